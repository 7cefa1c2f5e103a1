package deck

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

var (
	// ErrLoad 表示 deck 加载失败（构建失败、参数缺失或等待被取消）。
	ErrLoad = errors.New("deck load failed")
	// ErrStaleLoad 表示更晚发起的加载已经提交，本次请求被丢弃。
	ErrStaleLoad = errors.New("stale deck load")
	// ErrUnknownDeck 表示 deck key 不在 a..d 之内。
	ErrUnknownDeck = errors.New("unknown deck")
)

// Keys 是固定的 deck 槽位。
var Keys = []string{"a", "b", "c", "d"}

// IsKey 判断是否为合法 deck key。
func IsKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Handle 描述一次成功的加载。
type Handle struct {
	Deck      string
	Src       string
	Epoch     uint64
	CommandID string
	Metadata  map[string]any
	LoadedAt  time.Time
}

// BuildFunc 真正把 src 接到渲染管线上，返回随 deckReady 下发的元数据。
type BuildFunc func(ctx context.Context, deck, src string, epoch uint64) (map[string]any, error)

// CommitFunc 在 deck 串行区内、build 结束后调用：成功时 err 为 nil，失败时 h 为 nil。
// 同一 deck 的提交按 epoch 顺序执行，依赖 deck 源的状态应在这里更新。
type CommitFunc func(h *Handle, err error)

type slot struct {
	// 容量为 1 的信号量：同一 deck 同时只有一个加载在进行。
	sem   chan struct{}
	epoch uint64
	// requested 是已发起的加载序号，committed 是最近一次提交所对应的序号。
	requested uint64
	committed uint64
	current   *Handle
}

// Manager 串行化每个 deck 的加载请求，并为每次成功加载分配递增 epoch。
type Manager struct {
	mu     sync.Mutex
	slots  map[string]*slot
	logger *log.Logger
}

func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		slots:  make(map[string]*slot),
		logger: logger,
	}
}

func (m *Manager) slot(deck string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[deck]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		m.slots[deck] = s
	}
	return s
}

// Load 在该 deck 的串行区内执行 build。
// 等待期间 ctx 取消会返回 ErrLoad；build 失败不会推进 epoch。
func (m *Manager) Load(ctx context.Context, deck, src, commandID string, build BuildFunc) (*Handle, error) {
	return m.LoadAndCommit(ctx, deck, src, commandID, build, nil)
}

// LoadAndCommit 与 Load 相同，另外在串行区内把结果交给 commit。
// 每次调用在进入等待前领取一个请求序号；拿到信号量时若更晚的请求已经提交，
// 本次请求不再 build，直接返回 ErrStaleLoad。
func (m *Manager) LoadAndCommit(ctx context.Context, deck, src, commandID string, build BuildFunc, commit CommitFunc) (*Handle, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: deck %s: missing src", ErrLoad, deck)
	}
	if build == nil {
		return nil, fmt.Errorf("%w: deck %s: no build function", ErrLoad, deck)
	}

	s := m.slot(deck)
	m.mu.Lock()
	s.requested++
	seq := s.requested
	m.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: deck %s: %w", ErrLoad, deck, ctx.Err())
	}
	defer func() { <-s.sem }()

	m.mu.Lock()
	if seq < s.committed {
		current := s.epoch
		m.mu.Unlock()
		m.logger.Printf("[DeckManager] ⚠️ discarding stale load deck=%s request=%d current epoch=%d", deck, seq, current)
		return nil, fmt.Errorf("%w: deck %s: superseded by epoch %d", ErrStaleLoad, deck, current)
	}
	epoch := s.epoch + 1
	m.mu.Unlock()

	m.logger.Printf("[DeckManager] loading deck=%s epoch=%d src=%s command=%s", deck, epoch, src, commandID)
	metadata, err := m.runBuild(ctx, build, deck, src, epoch)
	if err != nil {
		m.logger.Printf("[DeckManager] ❌ load failed deck=%s epoch=%d: %v", deck, epoch, err)
		err = fmt.Errorf("%w: deck %s: %v", ErrLoad, deck, err)
		if commit != nil {
			commit(nil, err)
		}
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	handle := &Handle{
		Deck:      deck,
		Src:       src,
		Epoch:     epoch,
		CommandID: commandID,
		Metadata:  metadata,
		LoadedAt:  time.Now(),
	}
	m.mu.Lock()
	s.epoch = epoch
	s.committed = seq
	s.current = handle
	m.mu.Unlock()

	m.logger.Printf("[DeckManager] ✅ deck=%s ready epoch=%d", deck, epoch)
	if commit != nil {
		commit(handle.clone(), nil)
	}
	return handle.clone(), nil
}

func (m *Manager) runBuild(ctx context.Context, build BuildFunc, deck, src string, epoch uint64) (metadata map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build panicked: %v", r)
		}
	}()
	return build(ctx, deck, src, epoch)
}

// Current 返回该 deck 最近一次成功加载的结果。
func (m *Manager) Current(deck string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[deck]
	if !ok || s.current == nil {
		return nil, false
	}
	return s.current.clone(), true
}

func (h *Handle) clone() *Handle {
	out := *h
	out.Metadata = make(map[string]any, len(h.Metadata))
	for k, v := range h.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
