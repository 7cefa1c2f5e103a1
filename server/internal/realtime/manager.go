package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"muloom/server/internal/auth"
	"muloom/server/internal/deck"
	"muloom/server/internal/engine"
	"muloom/server/internal/model"
	"muloom/server/internal/timeline"
)

const (
	defaultTransportTickHz = 30.0
	journalTimeout         = 2 * time.Second
)

// AssetsLoader 返回随 init 消息下发的素材列表。
type AssetsLoader func() (model.AssetCollection, error)

// Options 配置 Manager。
type Options struct {
	State   *engine.State
	Decks   *deck.Manager
	Journal timeline.Store
	Guard   *auth.Guard
	Assets  AssetsLoader
	Session SessionOptions
	// TransportTickHz 是 transport-tick 的广播频率，最小 1Hz。
	TransportTickHz float64
	Logger          *log.Logger
	Debug           bool
}

// BroadcastOptions 控制广播的目标与语义。
type BroadcastOptions struct {
	Exclude *Session
	// DeckID 为空时广播给所有会话。
	DeckID     string
	RequireAck bool
	AllowDrop  bool
}

// Manager 是所有实时会话的注册表与消息路由。
//
// 职责：
// - 握手：解析 hello、裁决角色、注册会话并下发 init 快照。
// - 分发：按消息类型修改 engine.State 并广播结果。
// - 订阅 Transport：每次提交广播 transport，并以固定频率广播 transport-tick。
type Manager struct {
	state       *engine.State
	decks       *deck.Manager
	store       timeline.Store
	guard       *auth.Guard
	assets      AssetsLoader
	sessionOpts SessionOptions
	tickEvery   time.Duration
	logger      *log.Logger
	debug       bool
	bootID      string
	upgrader    websocket.Upgrader

	mu           sync.RWMutex
	sessions     map[string]*Session
	deckSessions map[string]map[string]*Session

	lifecycleMu sync.Mutex
	running     atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	observer    int

	// Transport 观察者只把快照放入 pendingSnaps，由 broadcaster 串行发出。
	snapMu       sync.Mutex
	pendingSnaps []timeline.Snapshot
	snapSignal   chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.State == nil {
		opts.State = engine.NewState(engine.Options{Logger: opts.Logger})
	}
	if opts.Decks == nil {
		opts.Decks = deck.NewManager(opts.Logger)
	}
	if opts.TransportTickHz < 1 {
		opts.TransportTickHz = defaultTransportTickHz
	}
	opts.Session.Debug = opts.Session.Debug || opts.Debug

	return &Manager{
		state:       opts.State,
		decks:       opts.Decks,
		store:       opts.Journal,
		guard:       opts.Guard,
		assets:      opts.Assets,
		sessionOpts: opts.Session,
		tickEvery:   time.Duration(float64(time.Second) / opts.TransportTickHz),
		logger:      opts.Logger,
		debug:       opts.Debug,
		bootID:      xid.New().String(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（控制台与观看端可能来自不同主机）
			},
		},
		sessions:     make(map[string]*Session),
		deckSessions: make(map[string]map[string]*Session),
		snapSignal:   make(chan struct{}, 1),
	}
}

func (m *Manager) State() *engine.State { return m.state }

// Running 是否已启动。
func (m *Manager) Running() bool { return m.running.Load() }

// Start 订阅 Transport 并启动广播与 tick 循环；重复调用无副作用。
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running.Store(true)
	m.observer = m.state.Transport().Subscribe(m.onTransport)

	m.wg.Add(2)
	go m.broadcastLoop(ctx)
	go m.tickLoop(ctx)

	m.logger.Printf("[Realtime] ✅ manager started boot=%s tick=%s", m.bootID, m.tickEvery)
}

// Stop 停止后台循环并关闭所有会话。
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.running.Load() {
		return
	}

	m.running.Store(false)
	m.state.Transport().Unsubscribe(m.observer)
	m.cancel()
	m.wg.Wait()

	for _, s := range m.targets(BroadcastOptions{}) {
		s.Close(websocket.CloseNormalClosure, "")
	}
	m.logger.Printf("[Realtime] manager stopped")
}

// onTransport 在 Transport 锁外被同步调用，不能阻塞。
func (m *Manager) onTransport(snap timeline.Snapshot) {
	m.snapMu.Lock()
	m.pendingSnaps = append(m.pendingSnaps, snap)
	m.snapMu.Unlock()

	select {
	case m.snapSignal <- struct{}{}:
	default:
	}
}

func (m *Manager) broadcastLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.snapSignal:
		}

		m.snapMu.Lock()
		snaps := m.pendingSnaps
		m.pendingSnaps = nil
		m.snapMu.Unlock()

		for _, snap := range snaps {
			m.journal("transport", fmt.Sprintf("%s:rev-%d", m.bootID, snap.Rev), "transport", snap)
			m.Broadcast(ctx, Outbound{Type: "transport", Payload: snap}, BroadcastOptions{})
		}
	}
}

type tickPayload struct {
	Rev     uint64  `json:"rev"`
	MonoUS  int64   `json:"mono_us"`
	Playing bool    `json:"playing"`
	Rate    float64 `json:"rate"`
	PosUS   int64   `json:"pos_us"`
	T0US    int64   `json:"t0_us"`
}

func (m *Manager) tickLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick 广播一次可丢弃的 transport-tick，供客户端校准时钟。
func (m *Manager) tick(ctx context.Context) {
	if m.SessionCount() == 0 {
		return
	}
	transport := m.state.Transport()
	snap := transport.Snapshot()
	m.Broadcast(ctx, Outbound{
		Type: "transport-tick",
		Payload: tickPayload{
			Rev:     snap.Rev,
			MonoUS:  transport.Now(),
			Playing: snap.Playing,
			Rate:    snap.Rate,
			PosUS:   snap.PosUS,
			T0US:    snap.T0US,
		},
	}, BroadcastOptions{AllowDrop: true})
}

// ServeWS 升级连接并在当前 goroutine 中服务该会话。
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Printf("[Realtime] ❌ upgrade failed: %v", err)
		return
	}
	NewSession(conn, m, m.sessionOpts, m.logger).Run()
}

type initPayload struct {
	State  engine.Snapshot       `json:"state"`
	Assets model.AssetCollection `json:"assets"`
}

// InitialiseSession 应用 hello 中的会话属性，注册会话并下发 init。
// Manager 未运行时拒绝握手。
func (m *Manager) InitialiseSession(s *Session, hello map[string]any, legacy bool) (bool, error) {
	if !m.running.Load() {
		m.logger.Printf("[Realtime] ⚠️ rejecting session=%s: manager not running", s.ID())
		return false, nil
	}

	info := parseHello(s.ID(), hello)
	info.Role = m.guard.ResolveRole(s.ID(), info.Role, info.Key)
	s.configure(info, legacy)
	m.register(s)

	initMsg := Outbound{
		Type:   "init",
		DeckID: s.DeckID(),
		Payload: initPayload{
			State:  m.state.Snapshot(),
			Assets: m.loadAssets(),
		},
	}
	if err := s.Send(context.Background(), initMsg, SendOptions{}); err != nil {
		m.unregister(s)
		return false, fmt.Errorf("send init: %w", err)
	}

	m.logger.Printf("[Realtime] client connected deck=%s session=%s role=%s supports_ack=%v legacy=%v",
		info.DeckID, s.ID(), s.Role(), s.SupportsAck(), legacy)
	return true, nil
}

// FinaliseSession 注销会话；可重复调用。
func (m *Manager) FinaliseSession(s *Session) {
	if m.unregister(s) {
		m.logger.Printf("[Realtime] client disconnected session=%s", s.ID())
	}
}

func (m *Manager) loadAssets() model.AssetCollection {
	empty := model.AssetCollection{GLSL: []model.Asset{}, Videos: []model.Asset{}, Overlays: []model.Asset{}}
	if m.assets == nil {
		return empty
	}
	assets, err := m.assets()
	if err != nil {
		m.logger.Printf("[Realtime] ⚠️ failed to load assets for init payload: %v", err)
		return empty
	}
	return assets
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = s
	deckID := s.DeckID()
	if m.deckSessions[deckID] == nil {
		m.deckSessions[deckID] = make(map[string]*Session)
	}
	m.deckSessions[deckID][s.ID()] = s
}

func (m *Manager) unregister(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID()]; !ok {
		return false
	}
	delete(m.sessions, s.ID())
	deckID := s.DeckID()
	if group, ok := m.deckSessions[deckID]; ok {
		delete(group, s.ID())
		if len(group) == 0 {
			delete(m.deckSessions, deckID)
		}
	}
	return true
}

// SessionCount 返回已注册的会话数。
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) targets(opts BroadcastOptions) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	source := m.sessions
	if opts.DeckID != "" {
		source = m.deckSessions[opts.DeckID]
	}
	targets := make([]*Session, 0, len(source))
	for _, s := range source {
		if s == opts.Exclude {
			continue
		}
		targets = append(targets, s)
	}
	return targets
}

// Broadcast 把消息发送给所有目标会话，从不等待单个会话腾出空位。
// 可丢弃消息在队列满时丢弃；其它消息在队列满时关闭该会话（1011），
// 客户端重连后会从 init 快照恢复。
func (m *Manager) Broadcast(ctx context.Context, msg Outbound, opts BroadcastOptions) {
	targets := m.targets(opts)
	if len(targets) == 0 {
		return
	}

	sendOpts := SendOptions{RequireAck: opts.RequireAck, AllowDrop: opts.AllowDrop, CloseOnFull: !opts.AllowDrop}
	for _, s := range targets {
		if err := s.Send(ctx, msg, sendOpts); err != nil && m.debug {
			m.logger.Printf("[Realtime] broadcast %s to session=%s failed: %v", msg.Type, s.ID(), err)
		}
	}
}

// BroadcastMixState 广播混音状态（可丢弃）。
func (m *Manager) BroadcastMixState(ctx context.Context, exclude *Session) {
	m.Broadcast(ctx, Outbound{Type: "mix-state", Payload: m.state.Mix()}, BroadcastOptions{Exclude: exclude, AllowDrop: true})
}

// BroadcastControlSettings 广播控制参数。
func (m *Manager) BroadcastControlSettings(ctx context.Context, exclude *Session) {
	m.Broadcast(ctx, Outbound{Type: "control-settings", Payload: m.state.ControlSettings()}, BroadcastOptions{Exclude: exclude})
}

// BroadcastViewerStatus 广播观看端状态（可丢弃）。
func (m *Manager) BroadcastViewerStatus(ctx context.Context, exclude *Session) {
	m.Broadcast(ctx, Outbound{Type: "viewer-status", Payload: m.state.ViewerStatus()}, BroadcastOptions{Exclude: exclude, AllowDrop: true})
}

// Stats 返回 manager 与每个会话的统计信息。
func (m *Manager) Stats() map[string]interface{} {
	sessions := m.targets(BroadcastOptions{})
	list := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, s.Stats())
	}
	return map[string]interface{}{
		"running":       m.running.Load(),
		"boot_id":       m.bootID,
		"session_count": len(sessions),
		"transport_rev": m.state.Transport().Snapshot().Rev,
		"sessions":      list,
	}
}

// journal 追加一条变更记录；失败只记日志。
func (m *Manager) journal(stream, id, typ string, v any) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Printf("[Journal] ⚠️ failed to encode %s entry: %v", typ, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	entry := &timeline.Entry{ID: id, Type: typ, Payload: data, CreatedAt: time.Now()}
	if _, err := m.store.Append(ctx, stream, entry); err != nil {
		m.logger.Printf("[Journal] ⚠️ append stream=%s id=%s failed: %v", stream, id, err)
	}
}
