package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"muloom/server/internal/payload"
)

// 错误码，随 error / transport-error 下发。
const (
	CodeInvalidPayload   = "E_INVALID_PAYLOAD"
	CodeInvalidCommand   = "E_INVALID_COMMAND"
	CodeRevisionMismatch = "E_REVISION_MISMATCH"
	CodeDeckLoad         = "E_DECK_LOAD"
	CodeInvalidRequest   = "E_INVALID_REQUEST"
)

// ErrSessionClosed 表示会话已停止，不再接受发送。
var ErrSessionClosed = errors.New("realtime session closed")

// ProtocolError 是面向客户端的错误：请求在修改任何状态之前被拒绝。
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func protocolErrorf(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Frame 是解码后的入站帧：信封字段 + 原始对象。
type Frame struct {
	Type      string
	DeckID    string
	CommandID string
	// Payload 是 payload 字段的原始值，可能是对象、数组或缺失。
	Payload any
	Raw     map[string]any
}

// DecodeFrame 解析一帧 JSON；顶层必须是对象。
func DecodeFrame(data []byte) (*Frame, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if raw == nil {
		return nil, errors.New("decode frame: expected JSON object")
	}
	f := &Frame{Raw: raw, Payload: raw["payload"]}
	f.Type, _ = raw["type"].(string)
	f.DeckID = stringValue(raw["deckId"])
	f.CommandID = stringValue(raw["commandId"])
	return f, nil
}

// PayloadMap 返回对象形式的 payload；其它形式返回空 map。
func (f *Frame) PayloadMap() map[string]any {
	if m, ok := f.Payload.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Inbound 是入站消息的和类型，每个 type 一个具体结构。
type Inbound interface {
	inbound()
}

type (
	Hello struct{ Fields map[string]any }
	Ping  struct{}
	Pong  struct{}
	Ack   struct{ ID string }

	Register struct {
		Role string
		Key  string
	}
	UpdateFallbackLayers  struct{ Layers []any }
	UpdateControlSettings struct{ Update map[string]any }
	UpdateMixDeck         struct {
		Deck string
		Data map[string]any
	}
	UpdateCrossfader struct{ Update map[string]any }
	LoadDeck         struct {
		DeckID    string
		CommandID string
		Src       string
	}
	TransportCommandRequest struct {
		CommandID string
		Payload   map[string]any
	}
	// Relay 是服务端不解释、原样转发给其它客户端的消息。
	Relay                struct{ Raw map[string]any }
	ViewerStatusUpdate   struct{ Update map[string]any }
	CodeProgress         struct{ Raw map[string]any }
	DeckMediaStateUpdate struct {
		CommandID string
		Deck      string
		State     map[string]any
	}
	RTCSignal struct {
		RTC     string
		Payload any
	}
	Unknown struct{ Type string }
)

func (Hello) inbound()                   {}
func (Ping) inbound()                    {}
func (Pong) inbound()                    {}
func (Ack) inbound()                     {}
func (Register) inbound()                {}
func (UpdateFallbackLayers) inbound()    {}
func (UpdateControlSettings) inbound()   {}
func (UpdateMixDeck) inbound()           {}
func (UpdateCrossfader) inbound()        {}
func (LoadDeck) inbound()                {}
func (TransportCommandRequest) inbound() {}
func (Relay) inbound()                   {}
func (ViewerStatusUpdate) inbound()      {}
func (CodeProgress) inbound()            {}
func (DeckMediaStateUpdate) inbound()    {}
func (RTCSignal) inbound()               {}
func (Unknown) inbound()                 {}

// relayTypes 是原样广播给其它客户端的控制消息。
var relayTypes = map[string]bool{
	"start-visualization":   true,
	"stop-visualization":    true,
	"regenerate-shader":     true,
	"set-audio-sensitivity": true,
}

// Message 把帧映射到具体消息类型；未识别的 type 返回 Unknown。
func (f *Frame) Message() Inbound {
	switch f.Type {
	case "hello":
		return Hello{Fields: f.Raw}
	case "ping":
		return Ping{}
	case "pong":
		return Pong{}
	case "ack":
		return Ack{ID: AckID(f.Raw)}
	case "register":
		role, _ := f.Raw["role"].(string)
		key, _ := f.Raw["key"].(string)
		return Register{Role: role, Key: key}
	case "update-fallback-layers":
		layers, _ := f.Payload.([]any)
		return UpdateFallbackLayers{Layers: layers}
	case "update-control-settings":
		return UpdateControlSettings{Update: f.PayloadMap()}
	case "update-mix-deck":
		p := f.PayloadMap()
		return UpdateMixDeck{Deck: stringValue(p["deck"]), Data: payload.Map(p, "data")}
	case "update-crossfader", "updateCrossfader":
		return UpdateCrossfader{Update: f.PayloadMap()}
	case "loadDeck":
		return LoadDeck{
			DeckID:    f.DeckID,
			CommandID: f.CommandID,
			Src:       stringValue(f.PayloadMap()["src"]),
		}
	case "transport-command":
		return TransportCommandRequest{CommandID: f.CommandID, Payload: f.PayloadMap()}
	case "viewer-status":
		return ViewerStatusUpdate{Update: f.PayloadMap()}
	case "code-progress":
		return CodeProgress{Raw: f.Raw}
	case "deck-media-state":
		p := f.PayloadMap()
		return DeckMediaStateUpdate{
			CommandID: f.CommandID,
			Deck:      stringValue(p["deck"]),
			State:     payload.Map(p, "state"),
		}
	case "rtc-signal":
		rtc, _ := f.Raw["rtc"].(string)
		return RTCSignal{RTC: strings.ToLower(rtc), Payload: f.Payload}
	}
	if relayTypes[f.Type] {
		return Relay{Raw: f.Raw}
	}
	return Unknown{Type: f.Type}
}

// AckID 按 commandId → ack → ackId 的顺序提取确认 ID。
func AckID(m map[string]any) string {
	for _, key := range []string{"commandId", "ack", "ackId"} {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		if _, isBool := v.(bool); isBool {
			continue
		}
		if id := stringValue(v); id != "" {
			return id
		}
	}
	return ""
}

// stringValue 把字符串或数字 ID 转为字符串。
func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return fmt.Sprintf("%v", s)
	}
	return ""
}

// Outbound 是下发给客户端的消息。
type Outbound struct {
	Type      string  `json:"type"`
	DeckID    string  `json:"deckId,omitempty"`
	Epoch     *uint64 `json:"epoch,omitempty"`
	CommandID string  `json:"commandId,omitempty"`
	RTC       string  `json:"rtc,omitempty"`
	TS        float64 `json:"ts,omitempty"`
	Payload   any     `json:"payload,omitempty"`

	// raw 非空时原样序列化（转发客户端消息）。
	raw map[string]any
}

// RawOutbound 包装一条需要原样转发的客户端消息。
func RawOutbound(raw map[string]any) Outbound {
	typ, _ := raw["type"].(string)
	return Outbound{Type: typ, raw: raw}
}

func (o Outbound) MarshalJSON() ([]byte, error) {
	if o.raw != nil {
		if o.CommandID == "" {
			return json.Marshal(o.raw)
		}
		m := make(map[string]any, len(o.raw)+1)
		for k, v := range o.raw {
			m[k] = v
		}
		m["commandId"] = o.CommandID
		return json.Marshal(m)
	}
	type plain Outbound
	return json.Marshal(plain(o))
}

// errorPayload 是 error / transport-error 的 payload。
type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transport any    `json:"transport,omitempty"`
}

func errorOutbound(typ, commandID string, perr *ProtocolError) Outbound {
	return Outbound{
		Type:      typ,
		CommandID: commandID,
		Payload:   errorPayload{Code: perr.Code, Message: perr.Message},
	}
}
