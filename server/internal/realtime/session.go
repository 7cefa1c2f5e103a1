package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"muloom/server/internal/payload"
)

const (
	minHelloTimeout = 100 * time.Millisecond
	minAckTimeout   = 20 * time.Millisecond
)

// SessionOptions 是每个 WebSocket 会话的协议参数。
type SessionOptions struct {
	QueueSize     int
	PingInterval  time.Duration
	PongTimeout   time.Duration
	AckTimeout    time.Duration
	MaxAckRetries int
	HelloTimeout  time.Duration
	WriteWait     time.Duration
	Debug         bool
}

// DefaultSessionOptions 返回默认协议参数。
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		QueueSize:     defaultQueueCapacity,
		PingInterval:  30 * time.Second,
		PongTimeout:   60 * time.Second,
		AckTimeout:    5 * time.Second,
		MaxAckRetries: 3,
		HelloTimeout:  5 * time.Second,
		WriteWait:     10 * time.Second,
	}
}

func (o SessionOptions) normalized() SessionOptions {
	d := DefaultSessionOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	switch {
	case o.HelloTimeout <= 0:
		o.HelloTimeout = d.HelloTimeout
	case o.HelloTimeout < minHelloTimeout:
		o.HelloTimeout = minHelloTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	// AckTimeout <= 0 表示关闭确认监控；过小的值会让监控 ticker 间隔为零
	if o.AckTimeout > 0 && o.AckTimeout < minAckTimeout {
		o.AckTimeout = minAckTimeout
	}
	// pong 超时不能短于 ping 间隔，否则每轮都会误判断线
	if o.PingInterval > 0 && o.PongTimeout > 0 && o.PongTimeout < o.PingInterval {
		o.PongTimeout = o.PingInterval
	}
	if o.MaxAckRetries < 0 {
		o.MaxAckRetries = 0
	}
	return o
}

// Host 是会话依赖的管理端：握手裁决、消息处理与注销。
type Host interface {
	InitialiseSession(s *Session, hello map[string]any, legacy bool) (bool, error)
	HandleMessage(ctx context.Context, s *Session, msg Inbound) error
	FinaliseSession(s *Session)
}

// SendOptions 控制一次发送的确认与丢弃语义。
type SendOptions struct {
	RequireAck bool
	CommandID  string
	AllowDrop  bool
	// CloseOnFull 表示队列已满时不等待，直接以 1011 关闭这个跟不上的会话。
	CloseOnFull bool
}

type pendingAck struct {
	msg      Outbound
	deadline time.Time
	retries  int
}

// Session 管理一条 WebSocket 连接。
//
// 并发模型：
// - recvLoop 是唯一的读取者，握手阶段把第一帧交给 Run。
// - sendLoop 是唯一的数据帧写入者，所有发送都经过有界队列。
// - keepalive 与 ack 监控在握手完成后启动。
type Session struct {
	id     string
	conn   *websocket.Conn
	host   Host
	opts   SessionOptions
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  *outboundQueue
	wg     sync.WaitGroup

	closeOnce sync.Once
	closing   atomic.Bool

	// 握手阶段：recvLoop 把第一帧交给 Run，Run 处理完毕前不分发任何消息。
	firstFrame    chan []byte
	handshakeDone chan struct{}
	ready         chan struct{}

	mu          sync.RWMutex
	deckID      string
	clientID    string
	role        string
	supportsAck bool
	legacy      bool

	lastPong  atomic.Int64
	createdAt time.Time

	pendingMu sync.Mutex
	pending   map[string]*pendingAck
}

// NewSession 包装一条已升级的连接，调用 Run 开始服务。
func NewSession(conn *websocket.Conn, host Host, opts SessionOptions, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	opts = opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	id := xid.New().String()

	s := &Session{
		id:            id,
		conn:          conn,
		host:          host,
		opts:          opts,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		firstFrame:    make(chan []byte),
		handshakeDone: make(chan struct{}),
		ready:         make(chan struct{}),
		deckID:        defaultDeckID,
		clientID:      id,
		role:          unknownRole,
		createdAt:     time.Now(),
		pending:       make(map[string]*pendingAck),
	}
	s.queue = newOutboundQueue(id, opts.QueueSize, ctx.Done())
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) DeckID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deckID
}

func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

func (s *Session) Role() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) SetRole(role string) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

// SupportsAck 是否对该会话启用确认与重传。legacy 客户端永远为 false。
func (s *Session) SupportsAck() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supportsAck
}

func (s *Session) Legacy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.legacy
}

// Done 在会话停止时关闭。
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) configure(info helloInfo, legacy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deckID = info.DeckID
	s.clientID = info.ClientID
	s.role = info.Role
	s.legacy = legacy
	s.supportsAck = info.SupportsAck && !legacy
}

// Run 完成握手并服务连接，直到连接断开或会话被关闭。
func (s *Session) Run() {
	// http.Server 的 ReadTimeout 会残留在劫持后的连接上
	_ = s.conn.SetReadDeadline(time.Time{})
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	s.wg.Add(2)
	go s.recvLoop()
	go s.sendLoop()

	defer func() {
		s.host.FinaliseSession(s)
		s.Close(websocket.CloseNormalClosure, "")
		s.wg.Wait()
	}()

	hello, legacy, initial := s.awaitHello()
	close(s.handshakeDone)
	if s.ctx.Err() != nil {
		return
	}

	accepted, err := s.host.InitialiseSession(s, hello, legacy)
	if err != nil {
		s.logger.Printf("[Session:%s] ❌ failed to initialise: %v", s.short(), err)
		s.Close(websocket.CloseInternalServerErr, "init failure")
		return
	}
	if !accepted {
		s.Close(websocket.CloseProtocolError, "handshake rejected")
		return
	}

	s.touch()
	s.wg.Add(1)
	go s.keepalive()
	if s.SupportsAck() && s.opts.AckTimeout > 0 {
		s.wg.Add(1)
		go s.monitorAcks()
	}

	if initial != nil {
		s.dispatch(initial)
	}
	close(s.ready)

	<-s.ctx.Done()
}

// awaitHello 等待第一帧。超时或第一帧不是 hello 时进入 legacy 模式，
// 非 hello 的第一帧作为 initial 返回，握手后补发处理。
func (s *Session) awaitHello() (hello map[string]any, legacy bool, initial []byte) {
	timer := time.NewTimer(s.opts.HelloTimeout)
	defer timer.Stop()

	select {
	case data := <-s.firstFrame:
		frame, err := DecodeFrame(data)
		if err == nil && strings.EqualFold(frame.Type, "hello") {
			return frame.Raw, false, nil
		}
		if err != nil {
			s.logger.Printf("[Session:%s] ⚠️ invalid hello payload (%v); using legacy compatibility", s.short(), err)
			return map[string]any{}, true, nil
		}
		s.logger.Printf("[Session:%s] received %q before hello; treating as legacy client", s.short(), frame.Type)
		return map[string]any{}, true, data
	case <-timer.C:
		s.logger.Printf("[Session:%s] no hello frame received; falling back to legacy handshake", s.short())
		return map[string]any{}, true, nil
	case <-s.ctx.Done():
		return nil, true, nil
	}
}

func (s *Session) recvLoop() {
	defer s.wg.Done()
	defer s.stop()

	first := true
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("[Session:%s] read error: %v", s.short(), err)
			}
			return
		}

		if first {
			first = false
			select {
			case s.firstFrame <- data:
				continue
			case <-s.handshakeDone:
			case <-s.ctx.Done():
				return
			}
		}

		select {
		case <-s.ready:
		case <-s.ctx.Done():
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) sendLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.queue.C():
			if err := s.write(item); err != nil {
				if !s.closing.Load() {
					s.logger.Printf("[Session:%s] ❌ write failed: %v", s.short(), err)
				}
				s.stop()
				return
			}
		}
	}
}

func (s *Session) write(item *queuedMessage) error {
	ackID := item.msg.CommandID
	if item.requireAck && ackID != "" {
		// 重传排队期间已被确认的消息不再发送
		if !s.trackAck(ackID, item) {
			return nil
		}
	}

	data, err := json.Marshal(item.msg)
	if err != nil {
		s.logger.Printf("[Session:%s] ⚠️ failed to encode %s: %v", s.short(), item.msg.Type, err)
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.queue.markSent(item)
	if s.opts.Debug {
		s.logger.Printf("[Session:%s] sent %s (retry=%v)", s.short(), item.msg.Type, item.isRetry)
	}
	return nil
}

// trackAck 在写出前登记待确认消息；重传时只刷新截止时间。
// 返回 false 表示重传的消息已被确认。
func (s *Session) trackAck(ackID string, item *queuedMessage) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	deadline := time.Now().Add(s.opts.AckTimeout)
	if p, ok := s.pending[ackID]; ok {
		p.deadline = deadline
		p.retries = item.retries
		p.msg = item.msg
		return true
	}
	if item.isRetry {
		return false
	}
	s.pending[ackID] = &pendingAck{msg: item.msg, deadline: deadline, retries: item.retries}
	return true
}

// acknowledge 移除待确认消息，返回是否命中。
func (s *Session) acknowledge(ackID string) bool {
	if ackID == "" || !s.SupportsAck() {
		return false
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, ok := s.pending[ackID]; !ok {
		return false
	}
	delete(s.pending, ackID)
	return true
}

// PendingAcks 返回尚未确认的消息数量。
func (s *Session) PendingAcks() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Send 把消息放入发送队列。
// AllowDrop 时队列满直接丢弃并返回 ErrQueueFull；否则阻塞直到有空位。
// RequireAck 只对声明支持确认的客户端生效。
func (s *Session) Send(ctx context.Context, msg Outbound, opts SendOptions) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	needAck := opts.RequireAck && s.SupportsAck()
	if msg.CommandID == "" {
		msg.CommandID = opts.CommandID
	}
	if needAck && msg.CommandID == "" {
		msg.CommandID = uuid.NewString()
	}

	item := &queuedMessage{msg: msg, requireAck: needAck}
	if opts.AllowDrop {
		err := s.queue.TryEnqueue(item)
		if errors.Is(err, ErrQueueFull) && s.opts.Debug {
			s.logger.Printf("[Session:%s] dropping %s message due to backpressure", s.short(), msg.Type)
		}
		return err
	}
	if opts.CloseOnFull {
		err := s.queue.TryEnqueue(item)
		if errors.Is(err, ErrQueueFull) {
			s.logger.Printf("[Session:%s] ⚠️ send queue overflow on %s; closing connection", s.short(), msg.Type)
			s.Close(websocket.CloseInternalServerErr, "send queue overflow")
		}
		return err
	}
	return s.queue.Enqueue(ctx, item)
}

// dispatch 处理一帧入站消息：协议层消息（ping/pong/ack）就地处理，其余交给 Host。
func (s *Session) dispatch(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		s.logger.Printf("[Session:%s] ⚠️ %v", s.short(), err)
		_ = s.Send(s.ctx, errorOutbound("error", "", protocolErrorf(CodeInvalidPayload, "message must be a JSON object")), SendOptions{})
		return
	}

	switch strings.ToLower(frame.Type) {
	case "pong":
		s.touch()
		return
	case "ping":
		_ = s.Send(s.ctx, Outbound{Type: "pong", TS: wallSeconds()}, SendOptions{})
		return
	}

	if frame.Type == "ack" || payload.Truthy(frame.Raw["ack"]) {
		if s.acknowledge(AckID(frame.Raw)) || frame.Type == "ack" {
			return
		}
	}

	s.handle(frame)
}

func (s *Session) handle(frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("[Session:%s] ❌ panic while handling %s: %v", s.short(), frame.Type, r)
			s.stop()
		}
	}()

	err := s.host.HandleMessage(s.ctx, s, frame.Message())
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionClosed):
		s.stop()
	case s.ctx.Err() != nil:
	default:
		s.logger.Printf("[Session:%s] ⚠️ error while processing %s: %v", s.short(), frame.Type, err)
	}
}

// keepalive 定期发送协议 ping，超过 PongTimeout 未收到 pong 则关闭连接。
func (s *Session) keepalive() {
	defer s.wg.Done()

	if s.opts.PingInterval <= 0 {
		<-s.ctx.Done()
		return
	}

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.opts.PongTimeout > 0 && time.Since(s.lastPongAt()) > s.opts.PongTimeout {
				s.logger.Printf("[Session:%s] ⚠️ ping timeout; closing realtime session", s.short())
				s.Close(websocket.CloseInternalServerErr, "ping timeout")
				return
			}
			if err := s.Send(s.ctx, Outbound{Type: "ping", TS: wallSeconds()}, SendOptions{}); err != nil {
				return
			}
			_ = s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
		}
	}
}

// monitorAcks 每半个 AckTimeout 检查一次过期的待确认消息：
// 未达上限则重传，达到上限则以 1011 关闭连接。
func (s *Session) monitorAcks() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.AckTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		var retries []*queuedMessage
		expired := ""

		s.pendingMu.Lock()
		for id, p := range s.pending {
			if now.Before(p.deadline) {
				continue
			}
			if p.retries >= s.opts.MaxAckRetries {
				expired = id
				break
			}
			p.retries++
			p.deadline = now.Add(s.opts.AckTimeout)
			retries = append(retries, &queuedMessage{
				msg:        p.msg,
				requireAck: true,
				isRetry:    true,
				retries:    p.retries,
			})
		}
		s.pendingMu.Unlock()

		if expired != "" {
			s.logger.Printf("[Session:%s] ⚠️ ack timeout for %s; closing connection", s.short(), expired)
			s.Close(websocket.CloseInternalServerErr, "ack timeout")
			return
		}
		for _, item := range retries {
			if err := s.queue.Enqueue(s.ctx, item); err != nil {
				return
			}
		}
	}
}

// Stats 返回会话与发送队列的统计信息。
func (s *Session) Stats() map[string]interface{} {
	stats := s.queue.Stats()
	s.mu.RLock()
	stats["deck_id"] = s.deckID
	stats["client_id"] = s.clientID
	stats["role"] = s.role
	stats["supports_ack"] = s.supportsAck
	stats["legacy"] = s.legacy
	s.mu.RUnlock()
	stats["pending_acks"] = s.PendingAcks()
	stats["connected_at"] = s.createdAt
	return stats
}

// Close 以给定关闭码关闭连接；重复调用无副作用。
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		if s.conn == nil {
			return
		}
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		_ = s.conn.Close()
	})
}

// stop 让所有循环退出，连接由 Run 收尾关闭。
func (s *Session) stop() {
	s.cancel()
}

func (s *Session) touch() {
	s.lastPong.Store(time.Now().UnixNano())
}

func (s *Session) lastPongAt() time.Time {
	return time.Unix(0, s.lastPong.Load())
}

func (s *Session) short() string {
	if len(s.id) > 8 {
		return s.id[:8]
	}
	return s.id
}

func wallSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
