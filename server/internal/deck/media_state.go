package deck

import (
	"math"
	"strings"
	"sync"
	"time"

	"muloom/server/internal/payload"
)

const (
	// PositionEpsilon 位置（秒）比较容差，低于此值视为未变化。
	PositionEpsilon = 1e-3
	// RateEpsilon 速率比较容差。
	RateEpsilon = 1e-6

	// state 意图允许的最大嵌套层数。
	maxStateDepth = 4
)

// Clock 返回单调时钟读数。
type Clock func() time.Duration

// MonotonicClock 返回从调用时刻开始计时的单调时钟。
func MonotonicClock() Clock {
	start := time.Now()
	return func() time.Duration { return time.Since(start) }
}

// 兼容层：历史客户端使用过的字段名，按优先级排列。
var (
	positionAliases = payload.Aliases{"position", "basePosition", "time", "seconds"}
	rateAliases     = payload.Aliases{"rate", "playRate", "speed", "value"}
)

// mediaFields 是参与变更比较的字段集合。
type mediaFields struct {
	src          string
	isPlaying    bool
	basePosition float64
	playRate     float64
	isLoading    bool
	err          bool
	duration     *float64
}

// MediaSnapshot 是 deck 播放状态的只读视图。
// basePosition 是最近一次提交的锚点，position 是按当前时刻投影的实时值。
type MediaSnapshot struct {
	Src          *string  `json:"src"`
	IsPlaying    bool     `json:"isPlaying"`
	BasePosition float64  `json:"basePosition"`
	Position     float64  `json:"position"`
	PlayRate     float64  `json:"playRate"`
	Version      uint64   `json:"version"`
	IsLoading    bool     `json:"isLoading"`
	Error        bool     `json:"error"`
	Duration     *float64 `json:"duration"`
	Progress     float64  `json:"progress"`
	UpdatedAt    int64    `json:"updatedAt"`
}

// MediaState 是单个 deck 的本地播放头，独立于全局 Transport。
//
// 约定：
// - 只能通过 ApplyRequest 修改，所有读写在同一把锁内完成。
// - 只有字段真正变化时 version 才 +1（数值比较带容差）。
// - seek/scrub 默认在定位后暂停，除非请求显式携带 resume。
type MediaState struct {
	mu        sync.Mutex
	clock     Clock
	fields    mediaFields
	version   uint64
	updatedAt time.Duration
	wallTime  time.Time

	lastCommandID    string
	lastLoadRevision int64
}

// NewMediaState 创建暂停、速率为 1 的空 deck 状态。
func NewMediaState(clock Clock) *MediaState {
	if clock == nil {
		clock = MonotonicClock()
	}
	return &MediaState{
		clock:     clock,
		fields:    mediaFields{playRate: 1.0},
		updatedAt: clock(),
		wallTime:  time.Now(),
	}
}

// ApplyRequest 合并一次客户端请求，返回是否产生了实际变化。
func (s *MediaState) ApplyRequest(req map[string]any) bool {
	changed, _ := s.Apply(req)
	return changed
}

// Apply 与 ApplyRequest 相同，另外返回同一临界区内的 version，
// 并发合并时每个调用方拿到的都是自己那次提交的版本。
func (s *MediaState) Apply(req map[string]any) (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	current := s.fields
	current.basePosition = s.positionLocked(now)

	next := current
	applyIntent(&next, req, 0)
	if !changed(current, next) {
		return false, s.version
	}

	s.fields = next
	s.version++
	s.updatedAt = now
	s.wallTime = time.Now()
	return true, s.version
}

func applyIntent(f *mediaFields, req map[string]any, depth int) {
	if req == nil {
		return
	}

	intent, _ := payload.String(req, "intent")
	switch strings.ToLower(strings.TrimSpace(intent)) {
	case "toggle":
		setPositionIfPresent(f, req)
		f.isPlaying = !f.isPlaying
	case "play":
		setPositionIfPresent(f, req)
		f.isPlaying = true
	case "pause":
		setPositionIfPresent(f, req)
		f.isPlaying = false
	case "seek", "scrub":
		if position, ok := positionAliases.Float(req); ok {
			f.basePosition = math.Max(0, position)
			if resume, ok := req["resume"]; ok {
				f.isPlaying = payload.Truthy(resume)
			} else {
				f.isPlaying = false
			}
		}
	case "rate", "speed":
		if rate, ok := rateAliases.Float(req); ok {
			f.playRate = math.Max(0, rate)
		}
	case "source", "src":
		// src 在下方统一合并
	case "state":
		if depth < maxStateDepth {
			if nested, ok := req["state"].(map[string]any); ok {
				applyIntent(f, nested, depth+1)
			}
		}
	case "":
		applyLegacyFields(f, req)
	}

	mergeDirectFields(f, req)
}

func setPositionIfPresent(f *mediaFields, req map[string]any) {
	if position, ok := positionAliases.Float(req); ok {
		f.basePosition = math.Max(0, position)
	}
}

// applyLegacyFields 兼容不发送 intent 的旧客户端。
func applyLegacyFields(f *mediaFields, req map[string]any) {
	if v, ok := req["isPlaying"]; ok {
		f.isPlaying = payload.Truthy(v)
	}
	if v, ok := req["basePosition"]; ok {
		if position, ok := payload.ToFloat(v); ok {
			f.basePosition = math.Max(0, position)
		}
	}
	if v, ok := req["playRate"]; ok {
		if rate, ok := payload.ToFloat(v); ok {
			f.playRate = math.Max(0, rate)
		}
	}
}

func mergeDirectFields(f *mediaFields, req map[string]any) {
	if v, ok := req["isLoading"]; ok {
		f.isLoading = payload.Truthy(v)
	}
	if v, ok := req["error"]; ok {
		f.err = payload.Truthy(v)
	}
	if v, ok := req["src"]; ok {
		src, _ := v.(string)
		f.src = strings.TrimSpace(src)
	}
	if v, ok := req["duration"]; ok {
		f.duration = nil
		if d, ok := payload.ToFloat(v); ok && d > 0 {
			f.duration = &d
		}
	}
}

func changed(a, b mediaFields) bool {
	switch {
	case a.isPlaying != b.isPlaying,
		a.src != b.src,
		a.isLoading != b.isLoading,
		a.err != b.err:
		return true
	case math.Abs(a.playRate-b.playRate) > RateEpsilon:
		return true
	case math.Abs(a.basePosition-b.basePosition) > PositionEpsilon:
		return true
	}
	if (a.duration == nil) != (b.duration == nil) {
		return true
	}
	return a.duration != nil && math.Abs(*a.duration-*b.duration) > PositionEpsilon
}

func (s *MediaState) positionLocked(now time.Duration) float64 {
	if !s.fields.isPlaying {
		return s.fields.basePosition
	}
	elapsed := max(0, now-s.updatedAt).Seconds()
	return math.Max(0, s.fields.basePosition+elapsed*s.fields.playRate)
}

// Snapshot 返回当前状态，position 按此刻投影。
func (s *MediaState) Snapshot() MediaSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	position := s.positionLocked(s.clock())
	snap := MediaSnapshot{
		IsPlaying:    s.fields.isPlaying,
		BasePosition: s.fields.basePosition,
		Position:     position,
		PlayRate:     s.fields.playRate,
		Version:      s.version,
		IsLoading:    s.fields.isLoading,
		Error:        s.fields.err,
		UpdatedAt:    s.wallTime.UnixMilli(),
	}
	if s.fields.src != "" {
		src := s.fields.src
		snap.Src = &src
	}
	if s.fields.duration != nil {
		d := *s.fields.duration
		snap.Duration = &d
		snap.Progress = math.Max(0, math.Min(100, position/d*100))
	}
	return snap
}

// Version 返回当前版本号。
func (s *MediaState) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SetLastCommandID 记录最近一次修改该 deck 的命令 ID，用于广播时回填。
func (s *MediaState) SetLastCommandID(id string) {
	s.mu.Lock()
	s.lastCommandID = id
	s.mu.Unlock()
}

func (s *MediaState) LastCommandID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommandID
}

// SetLastLoadRevision 记录渲染管线在最近一次加载后返回的 revision。
func (s *MediaState) SetLastLoadRevision(rev int64) {
	s.mu.Lock()
	s.lastLoadRevision = rev
	s.mu.Unlock()
}

func (s *MediaState) LastLoadRevision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLoadRevision
}
