package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"muloom/server/internal/auth"
	"muloom/server/internal/deck"
	"muloom/server/internal/payload"
	"muloom/server/internal/timeline"
)

const controllerRole = "controller"

// rtcSignalTypes 是允许转发的 WebRTC 信令子类型。
var rtcSignalTypes = map[string]bool{
	"offer":         true,
	"answer":        true,
	"ice-candidate": true,
	"request-offer": true,
}

// HandleMessage 按消息类型分发。未知类型显式回复 E_INVALID_REQUEST。
func (m *Manager) HandleMessage(ctx context.Context, s *Session, msg Inbound) error {
	switch msg := msg.(type) {
	case Hello:
		if m.debug {
			m.logger.Printf("[Realtime] ignoring late hello from session=%s", s.ID())
		}
		return nil
	case Ping, Pong, Ack:
		return nil

	case Register:
		if msg.Role != "" {
			s.SetRole(m.guard.ResolveRole(s.ID(), msg.Role, msg.Key))
		}
		return nil

	case UpdateFallbackLayers:
		layers := m.state.SetFallbackLayers(msg.Layers)
		m.Broadcast(ctx, Outbound{Type: "fallback-layers", Payload: layers}, BroadcastOptions{Exclude: s})
		return nil

	case UpdateControlSettings:
		m.state.UpdateControlSettings(msg.Update)
		m.BroadcastControlSettings(ctx, s)
		return nil

	case UpdateMixDeck:
		if msg.Deck != "" && m.state.ApplyDeckUpdate(msg.Deck, msg.Data) {
			m.BroadcastMixState(ctx, nil)
		}
		return nil

	case UpdateCrossfader:
		if m.state.ApplyCrossfaderUpdate(msg.Update) {
			m.BroadcastMixState(ctx, nil)
		}
		return nil

	case LoadDeck:
		return m.handleLoadDeck(ctx, s, msg)

	case TransportCommandRequest:
		return m.handleTransportCommand(ctx, s, msg)

	case Relay:
		m.Broadcast(ctx, RawOutbound(msg.Raw), BroadcastOptions{Exclude: s})
		return nil

	case ViewerStatusUpdate:
		m.state.UpdateViewerStatus(msg.Update)
		m.BroadcastViewerStatus(ctx, s)
		return nil

	case CodeProgress:
		m.Broadcast(ctx, RawOutbound(msg.Raw), BroadcastOptions{Exclude: s, AllowDrop: true})
		return nil

	case DeckMediaStateUpdate:
		return m.handleDeckMediaState(ctx, s, msg)

	case RTCSignal:
		if !rtcSignalTypes[msg.RTC] {
			if m.debug {
				m.logger.Printf("[Realtime] ignoring rtc-signal subtype %q from session=%s", msg.RTC, s.ID())
			}
			return nil
		}
		m.Broadcast(ctx, Outbound{Type: "rtc-signal", RTC: msg.RTC, Payload: msg.Payload}, BroadcastOptions{Exclude: s})
		return nil

	case Unknown:
		m.logger.Printf("[Realtime] ⚠️ unsupported message type %q from session=%s", msg.Type, s.ID())
		return s.Send(ctx, errorOutbound("error", "", protocolErrorf(CodeInvalidRequest, "unsupported message type %q", msg.Type)), SendOptions{})

	default:
		return fmt.Errorf("unhandled inbound message %T", msg)
	}
}

// handleTransportCommand 校验并执行 transport 命令。
// 只有特权角色可以修改 transport；其它角色的命令被忽略。
func (m *Manager) handleTransportCommand(ctx context.Context, s *Session, msg TransportCommandRequest) error {
	if !auth.IsPrivileged(s.Role()) {
		m.logger.Printf("[Realtime] ⚠️ ignoring transport-command from non-controller session=%s role=%s", s.ID(), s.Role())
		return nil
	}

	commandID := msg.CommandID
	if commandID == "" {
		commandID = stringValue(msg.Payload["commandId"])
	}
	if commandID == "" {
		commandID = uuid.NewString()
	}

	cmd, perr := ParseTransportCommand(msg.Payload)
	if perr != nil {
		return s.Send(ctx, errorOutbound("transport-error", commandID, perr), SendOptions{})
	}

	rev := cmd.ExpectedRev
	snap, err := m.state.ApplyTransportCommand(cmd.Op, &rev, cmd.PositionUS, cmd.Rate)
	switch {
	case errors.Is(err, timeline.ErrRevisionMismatch):
		return s.Send(ctx, Outbound{
			Type:      "transport-error",
			CommandID: commandID,
			Payload: errorPayload{
				Code:      CodeRevisionMismatch,
				Message:   err.Error(),
				Transport: m.state.Transport().Snapshot(),
			},
		}, SendOptions{})
	case errors.Is(err, timeline.ErrInvalidCommand):
		return s.Send(ctx, errorOutbound("transport-error", commandID, protocolErrorf(CodeInvalidCommand, "%s", err.Error())), SendOptions{})
	case err != nil:
		return err
	}

	return s.Send(ctx, Outbound{Type: "transport", CommandID: commandID, Payload: snap},
		SendOptions{RequireAck: true, CommandID: commandID})
}

type deckStatePayload struct {
	Deck      string             `json:"deck"`
	State     deck.MediaSnapshot `json:"state"`
	Revision  uint64             `json:"revision"`
	CommandID string             `json:"commandId,omitempty"`
}

// handleDeckMediaState 合并控制端上报的 deck 播放状态。
// 回显给发送者（需确认）；状态变化时同时广播给其它会话并写入日志。
func (m *Manager) handleDeckMediaState(ctx context.Context, s *Session, msg DeckMediaStateUpdate) error {
	if s.Role() != controllerRole {
		m.logger.Printf("[Realtime] ⚠️ ignoring deck-media-state from non-controller session=%s role=%s", s.ID(), s.Role())
		return nil
	}

	commandID := msg.CommandID
	if commandID == "" {
		commandID = stringValue(msg.State["commandId"])
	}
	if commandID == "" {
		commandID = uuid.NewString()
	}

	changed, version, err := m.state.UpdateDeckMediaState(msg.Deck, msg.State)
	if err != nil {
		return s.Send(ctx, errorOutbound("error", commandID, protocolErrorf(CodeInvalidRequest, "unknown deck %q", msg.Deck)), SendOptions{})
	}
	media, _ := m.state.DeckMedia(msg.Deck)
	media.SetLastCommandID(commandID)

	out := Outbound{
		Type: "deck-media-state",
		Payload: deckStatePayload{
			Deck:      msg.Deck,
			State:     media.Snapshot(),
			Revision:  version,
			CommandID: commandID,
		},
	}
	if changed {
		m.journal("deck:"+msg.Deck, fmt.Sprintf("%s:deck:v%d", m.bootID, version), "deck-media-state", out.Payload)
	}
	if err := s.Send(ctx, out, SendOptions{RequireAck: true, CommandID: commandID}); err != nil {
		return err
	}
	if changed {
		m.Broadcast(ctx, out, BroadcastOptions{Exclude: s})
	}
	return nil
}

// handleLoadDeck 通过 DeckManager 串行加载 deck 源，并广播加载过程中的状态变化。
func (m *Manager) handleLoadDeck(ctx context.Context, s *Session, msg LoadDeck) error {
	deckID := msg.DeckID
	if deckID == "" {
		deckID = s.DeckID()
	}
	if deckID == "" {
		deckID = defaultDeckID
	}

	if msg.Src == "" {
		return s.Send(ctx, Outbound{
			Type:      "error",
			DeckID:    deckID,
			CommandID: msg.CommandID,
			Payload:   errorPayload{Code: CodeInvalidRequest, Message: "loadDeck requires payload.src"},
		}, SendOptions{})
	}

	media, hasMedia := m.state.DeckMedia(deckID)
	if hasMedia && media.ApplyRequest(map[string]any{"isLoading": true}) {
		m.broadcastDeckState(ctx, deckID)
	}

	issuedID := msg.CommandID
	if issuedID == "" {
		issuedID = uuid.NewString()
	}

	committed := false
	handle, err := m.decks.LoadAndCommit(ctx, deckID, msg.Src, issuedID, m.buildDeck, func(h *deck.Handle, err error) {
		committed = true
		if !hasMedia {
			return
		}
		if err != nil {
			media.ApplyRequest(map[string]any{"isLoading": false, "error": true})
			return
		}
		media.ApplyRequest(map[string]any{"intent": "source", "src": h.Src})
		media.ApplyRequest(map[string]any{"isLoading": false, "error": false})
		if raw, ok := h.Metadata["revision"]; ok {
			if rev, ok := payload.ToInt(raw); ok {
				media.SetLastLoadRevision(rev)
			}
		}
	})
	if err != nil {
		// 被更晚的加载取代时 deck 状态归新加载所有，这里不再改动
		if hasMedia && !errors.Is(err, deck.ErrStaleLoad) {
			if !committed {
				media.ApplyRequest(map[string]any{"isLoading": false, "error": true})
			}
			m.broadcastDeckState(ctx, deckID)
		}
		out := Outbound{
			Type:      "error",
			DeckID:    deckID,
			CommandID: issuedID,
			Payload:   errorPayload{Code: CodeDeckLoad, Message: err.Error()},
		}
		if current, ok := m.decks.Current(deckID); ok {
			epoch := current.Epoch
			out.Epoch = &epoch
		}
		return s.Send(ctx, out, SendOptions{})
	}
	if hasMedia {
		m.broadcastDeckState(ctx, deckID)
	}

	epoch := handle.Epoch
	ready := Outbound{
		Type:      "deckReady",
		DeckID:    deckID,
		Epoch:     &epoch,
		CommandID: issuedID,
		Payload:   handle.Metadata,
	}
	m.journal("deck:"+deckID, fmt.Sprintf("%s:load:%d", m.bootID, epoch), "deck-load", map[string]any{
		"deckId":    deckID,
		"epoch":     epoch,
		"commandId": issuedID,
		"metadata":  handle.Metadata,
	})
	if err := s.Send(ctx, ready, SendOptions{RequireAck: true, CommandID: issuedID}); err != nil {
		return err
	}
	// 期间已有更新的 epoch 提交时，其它客户端只需要看到最新那次
	if current, ok := m.decks.Current(deckID); ok && current.Epoch != epoch {
		return nil
	}
	m.Broadcast(ctx, ready, BroadcastOptions{Exclude: s})
	return nil
}

// buildDeck 把 deck 源接到渲染管线上，返回随 deckReady 下发的元数据。
func (m *Manager) buildDeck(_ context.Context, deckID, src string, epoch uint64) (map[string]any, error) {
	revision, err := m.state.SetDeckSource(deckID, src)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"src":      src,
		"epoch":    epoch,
		"revision": revision,
	}, nil
}

func (m *Manager) broadcastDeckState(ctx context.Context, deckID string) {
	media, ok := m.state.DeckMedia(deckID)
	if !ok {
		return
	}
	snap := media.Snapshot()
	m.Broadcast(ctx, Outbound{
		Type: "deck-media-state",
		Payload: deckStatePayload{
			Deck:      deckID,
			State:     snap,
			Revision:  snap.Version,
			CommandID: media.LastCommandID(),
		},
	}, BroadcastOptions{})
}
