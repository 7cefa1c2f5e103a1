package engine

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"muloom/server/internal/deck"
	"muloom/server/internal/model"
	"muloom/server/internal/payload"
	"muloom/server/internal/timeline"
)

// Snapshot 是引擎全量状态，init 消息与 /api/state 使用。
type Snapshot struct {
	FallbackLayers  []any                         `json:"fallbackLayers"`
	ControlSettings model.ControlSettings         `json:"controlSettings"`
	ViewerStatus    model.ViewerStatus            `json:"viewerStatus"`
	MixState        model.MixState                `json:"mixState"`
	DeckMediaStates map[string]deck.MediaSnapshot `json:"deckMediaStates"`
	Transport       timeline.Snapshot             `json:"transport"`
}

// Options 配置 State。
type Options struct {
	Transport *timeline.Transport
	Pipeline  Pipeline
	DeckClock deck.Clock
	Profile   string
	Logger    *log.Logger
}

// State 聚合控制面共享的可变状态。
//
// 职责：
// - Transport 与每个 deck 的 MediaState 自带同步，State 只持有引用。
// - 混音、控制参数、观看端状态和 fallback 层由 State 的一把锁保护。
// - 混音变化后重建合成层并下发给 Pipeline。
type State struct {
	transport *timeline.Transport
	decks     map[string]*deck.MediaState
	pipeline  Pipeline
	profile   string
	logger    *log.Logger

	// pushMu 在 mu 之外串行化“计算合成层 + 下发 Pipeline”，保证 Pipeline 最后收到的是最新混音。
	pushMu sync.Mutex

	mu             sync.Mutex
	mix            model.MixState
	control        model.ControlSettings
	viewer         model.ViewerStatus
	fallbackLayers []any
}

func NewState(opts Options) *State {
	if opts.Transport == nil {
		opts.Transport = timeline.NewTransport()
	}
	if opts.Pipeline == nil {
		opts.Pipeline = NewMemoryPipeline()
	}
	if opts.Profile == "" {
		opts.Profile = "default"
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	decks := make(map[string]*deck.MediaState, len(deck.Keys))
	for _, key := range deck.Keys {
		decks[key] = deck.NewMediaState(opts.DeckClock)
	}

	return &State{
		transport:      opts.Transport,
		decks:          decks,
		pipeline:       opts.Pipeline,
		profile:        opts.Profile,
		logger:         opts.Logger,
		mix:            model.NewMixState(deck.Keys),
		control:        model.DefaultControlSettings(),
		viewer:         model.DefaultViewerStatus(),
		fallbackLayers: []any{},
	}
}

func (s *State) Transport() *timeline.Transport { return s.transport }

func (s *State) Pipeline() Pipeline { return s.pipeline }

func (s *State) Profile() string { return s.profile }

// DeckMedia 返回 deck 的播放状态；只有 a..d 存在。
func (s *State) DeckMedia(key string) (*deck.MediaState, bool) {
	m, ok := s.decks[key]
	return m, ok
}

func (s *State) Snapshot() Snapshot {
	media := make(map[string]deck.MediaSnapshot, len(s.decks))
	for key, m := range s.decks {
		media[key] = m.Snapshot()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		FallbackLayers:  append([]any{}, s.fallbackLayers...),
		ControlSettings: s.control,
		ViewerStatus:    s.viewer,
		MixState:        s.mix.Clone(),
		DeckMediaStates: media,
		Transport:       s.transport.Snapshot(),
	}
}

func (s *State) Mix() model.MixState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mix.Clone()
}

// ApplyDeckUpdate 合并混音台 deck 更新；未知 deck 返回 false。
func (s *State) ApplyDeckUpdate(key string, update map[string]any) bool {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	d, ok := s.mix.Decks[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	d.Apply(update)
	s.mix.Decks[key] = d
	layers := s.mixerLayersLocked()
	s.mu.Unlock()

	s.pushLayers(layers)
	return true
}

// ApplyCrossfaderUpdate 处理 {target, value}；target 为 main|ab|ac|bd|cd。
func (s *State) ApplyCrossfaderUpdate(update map[string]any) bool {
	if len(update) == 0 {
		return false
	}
	target, _ := update["target"].(string)
	value := 0.0
	if raw, ok := update["value"]; ok && raw != nil {
		v, ok := payload.ToFloat(raw)
		if !ok {
			return false
		}
		value = v
	}

	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	if !s.mix.SetCrossfader(target, value) {
		s.mu.Unlock()
		return false
	}
	layers := s.mixerLayersLocked()
	s.mu.Unlock()

	s.pushLayers(layers)
	return true
}

// SetCrossfaders 一次性设置四个推子（REST /crossfader）。
func (s *State) SetCrossfaders(ab, ac, bd, cd float64) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	s.mix.CrossfaderAB = model.Clamp01(ab)
	s.mix.CrossfaderAC = model.Clamp01(ac)
	s.mix.CrossfaderBD = model.Clamp01(bd)
	s.mix.CrossfaderCD = model.Clamp01(cd)
	layers := s.mixerLayersLocked()
	s.mu.Unlock()

	s.pushLayers(layers)
}

// mixerLayersLocked 按 deck 顺序生成合成层：未启用或空 deck 跳过。
func (s *State) mixerLayersLocked() []MixerLayer {
	keys := make([]string, 0, len(s.mix.Decks))
	for k := range s.mix.Decks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	layers := make([]MixerLayer, 0, len(keys))
	for _, k := range keys {
		d := s.mix.Decks[k]
		if !d.Enabled || (d.AssetID == nil && d.Type == nil) {
			continue
		}
		sourceID := "deck-" + k
		if d.AssetID != nil {
			sourceID = *d.AssetID
		}
		layers = append(layers, MixerLayer{SourceID: sourceID, Opacity: model.Clamp01(d.Opacity)})
	}
	return layers
}

func (s *State) pushLayers(layers []MixerLayer) {
	if err := s.pipeline.SetMixerLayers(layers); err != nil {
		s.logger.Printf("[Engine] ⚠️ failed to apply mixer layers: %v", err)
	}
}

// UpdateDeckMediaState 合并 deck 播放状态，返回是否变化与这次合并提交后的 version。
func (s *State) UpdateDeckMediaState(key string, update map[string]any) (bool, uint64, error) {
	m, ok := s.decks[key]
	if !ok {
		return false, 0, fmt.Errorf("%w: %q", deck.ErrUnknownDeck, key)
	}
	changed, version := m.Apply(update)
	return changed, version, nil
}

// ApplyTransportCommand 把命令交给 Transport，错误原样返回供调用方分类。
func (s *State) ApplyTransportCommand(op string, expectedRev *uint64, positionUS *int64, rate *float64) (timeline.Snapshot, error) {
	return s.transport.Apply(op, expectedRev, positionUS, rate)
}

// SetDeckSource 把 deck 源下发到渲染管线，供 DeckManager 的 build 使用。
func (s *State) SetDeckSource(key, src string) (int64, error) {
	return s.pipeline.SetDeckSource(key, src)
}

func (s *State) ControlSettings() model.ControlSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

func (s *State) UpdateControlSettings(update map[string]any) model.ControlSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control.Update(update)
	return s.control
}

func (s *State) ViewerStatus() model.ViewerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewer
}

func (s *State) UpdateViewerStatus(update map[string]any) model.ViewerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewer.Update(update)
	return s.viewer
}

func (s *State) FallbackLayers() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any{}, s.fallbackLayers...)
}

// SetFallbackLayers 整体替换 fallback 层（内容对服务端不透明）。
func (s *State) SetFallbackLayers(layers []any) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if layers == nil {
		layers = []any{}
	}
	s.fallbackLayers = append([]any{}, layers...)
	return append([]any{}, s.fallbackLayers...)
}
