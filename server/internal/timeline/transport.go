package timeline

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"
)

var (
	// ErrRevisionMismatch 表示命令携带的 expected_rev 与当前 rev 不一致。
	ErrRevisionMismatch = errors.New("revision mismatch")
	// ErrInvalidCommand 表示未知操作或缺少必需参数。
	ErrInvalidCommand = errors.New("invalid command")
)

// Clock 返回单调时钟读数（微秒）。
type Clock func() int64

// MonotonicClock 基于 time.Since 的单调读数，不受墙钟回拨影响。
func MonotonicClock() Clock {
	start := time.Now()
	return func() int64 {
		return time.Since(start).Microseconds()
	}
}

// Logger 日志接口
type Logger interface {
	Printf(format string, v ...interface{})
}

// Snapshot 是 transport 状态的不可变快照，可以直接序列化上线。
type Snapshot struct {
	Rev     uint64  `json:"rev"`
	Playing bool    `json:"playing"`
	Rate    float64 `json:"rate"`
	PosUS   int64   `json:"pos_us"`
	T0US    int64   `json:"t0_us"`
}

// PositionAt 计算在单调时刻 nowUS 的投影位置（微秒），结果不小于 0。
func (s Snapshot) PositionAt(nowUS int64) int64 {
	if !s.Playing {
		return max(0, s.PosUS)
	}
	return project(s.PosUS, s.T0US, s.Rate, nowUS)
}

func project(posUS, t0US int64, rate float64, nowUS int64) int64 {
	delta := max(0, nowUS-t0US)
	increment := int64(math.RoundToEven(float64(delta) * rate))
	return max(0, posUS+increment)
}

// Observer 在每次提交后收到新快照。
type Observer func(Snapshot)

type observerEntry struct {
	token int
	fn    Observer
}

// Transport 是全局唯一的播放时间线：单调时钟驱动、rev 计数的乐观并发状态机。
//
// 约定：
// - 所有写操作在同一把锁内完成检查与提交，rev 每次提交严格 +1。
// - 观察者在锁外通知，避免观察者回调再次进入 Transport 导致死锁。
// - 单个观察者 panic 只记录日志，不影响提交和其它观察者。
type Transport struct {
	mu      sync.Mutex
	rev     uint64
	playing bool
	rate    float64
	posUS   int64
	t0US    int64
	clock   Clock

	nextToken int
	observers []observerEntry

	logger Logger
}

// Option 配置 Transport。
type Option func(*Transport)

// WithClock 注入单调时钟（测试用假时钟）。
func WithClock(clock Clock) Option {
	return func(t *Transport) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithInitialPosition 设置初始位置（微秒）。
func WithInitialPosition(posUS int64) Option {
	return func(t *Transport) { t.posUS = max(0, posUS) }
}

// WithInitialRate 设置初始速率。
func WithInitialRate(rate float64) Option {
	return func(t *Transport) { t.rate = math.Max(0, rate) }
}

// WithLogger 设置日志输出。
func WithLogger(logger Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport 创建处于暂停状态、rev=0 的 Transport。
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		rate:   1.0,
		clock:  MonotonicClock(),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.t0US = t.clock()
	return t
}

// Rev 是构造 expected_rev 参数的便捷函数。
func Rev(n uint64) *uint64 { return &n }

// Now 返回 Transport 使用的单调时钟读数。
func (t *Transport) Now() int64 {
	return t.clock()
}

func (t *Transport) snapshotLocked() Snapshot {
	return Snapshot{
		Rev:     t.rev,
		Playing: t.playing,
		Rate:    t.rate,
		PosUS:   t.posUS,
		T0US:    t.t0US,
	}
}

func (t *Transport) positionLocked(nowUS int64) int64 {
	if !t.playing {
		return t.posUS
	}
	return project(t.posUS, t.t0US, t.rate, nowUS)
}

func (t *Transport) checkRevisionLocked(expectedRev *uint64) error {
	if expectedRev == nil || *expectedRev == t.rev {
		return nil
	}
	return fmt.Errorf("%w: expected rev %d, current %d", ErrRevisionMismatch, *expectedRev, t.rev)
}

func (t *Transport) commitLocked(posUS, t0US int64, playing bool, rate float64) Snapshot {
	t.rev++
	t.posUS = max(0, posUS)
	t.t0US = max(0, t0US)
	t.playing = playing
	t.rate = math.Max(0, rate)
	return t.snapshotLocked()
}

// mutate 在锁内执行检查与提交，锁外通知观察者。
func (t *Transport) mutate(expectedRev *uint64, fn func(nowUS int64) Snapshot) (Snapshot, error) {
	t.mu.Lock()
	if err := t.checkRevisionLocked(expectedRev); err != nil {
		t.mu.Unlock()
		return Snapshot{}, err
	}
	snapshot := fn(t.clock())
	t.mu.Unlock()

	t.notify(snapshot)
	return snapshot, nil
}

func (t *Transport) notify(snapshot Snapshot) {
	t.mu.Lock()
	observers := make([]observerEntry, len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	for _, o := range observers {
		t.deliver(o, snapshot)
	}
}

func (t *Transport) deliver(o observerEntry, snapshot Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Printf("[Timeline] observer %d failed at rev %d: %v", o.token, snapshot.Rev, r)
		}
	}()
	o.fn(snapshot)
}

// Subscribe 注册观察者，并在返回前同步投递当前快照。
func (t *Transport) Subscribe(fn Observer) int {
	t.mu.Lock()
	t.nextToken++
	entry := observerEntry{token: t.nextToken, fn: fn}
	t.observers = append(t.observers, entry)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.deliver(entry, snapshot)
	return entry.token
}

// Unsubscribe 移除观察者；未知 token 为空操作。
func (t *Transport) Unsubscribe(token int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, o := range t.observers {
		if o.token == token {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Snapshot 返回当前状态。
func (t *Transport) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// NowPositionUS 返回此刻的投影位置。
func (t *Transport) NowPositionUS() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positionLocked(t.clock())
}

// Play 从当前投影位置开始播放。重复调用不会重复累计时间，因为 t0 每次提交都会重置。
func (t *Transport) Play(expectedRev *uint64) (Snapshot, error) {
	return t.mutate(expectedRev, func(now int64) Snapshot {
		return t.commitLocked(t.positionLocked(now), now, true, t.rate)
	})
}

// Pause 把位置冻结在当前投影值。
func (t *Transport) Pause(expectedRev *uint64) (Snapshot, error) {
	return t.mutate(expectedRev, func(now int64) Snapshot {
		return t.commitLocked(t.positionLocked(now), now, false, t.rate)
	})
}

// Seek 跳到指定位置，保留播放状态与速率；负值钳为 0。
func (t *Transport) Seek(positionUS int64, expectedRev *uint64) (Snapshot, error) {
	positionUS = max(0, positionUS)
	return t.mutate(expectedRev, func(now int64) Snapshot {
		return t.commitLocked(positionUS, now, t.playing, t.rate)
	})
}

// SetRate 先按旧速率投影当前位置再换速率，因此位置不会跳变。
func (t *Transport) SetRate(rate float64, expectedRev *uint64) (Snapshot, error) {
	rate = math.Max(0, rate)
	return t.mutate(expectedRev, func(now int64) Snapshot {
		return t.commitLocked(t.positionLocked(now), now, t.playing, rate)
	})
}

// Apply 按操作名分发命令。
func (t *Transport) Apply(op string, expectedRev *uint64, positionUS *int64, rate *float64) (Snapshot, error) {
	switch command := strings.ToLower(strings.TrimSpace(op)); command {
	case "play":
		return t.Play(expectedRev)
	case "pause":
		return t.Pause(expectedRev)
	case "seek":
		if positionUS == nil {
			return Snapshot{}, fmt.Errorf("%w: seek requires position_us", ErrInvalidCommand)
		}
		return t.Seek(*positionUS, expectedRev)
	case "set_rate", "rate", "speed":
		if rate == nil {
			return Snapshot{}, fmt.Errorf("%w: set_rate requires rate", ErrInvalidCommand)
		}
		return t.SetRate(*rate, expectedRev)
	default:
		return Snapshot{}, fmt.Errorf("%w: unsupported timeline op '%s'", ErrInvalidCommand, op)
	}
}
