package model

import (
	"math"
	"strings"

	"muloom/server/internal/payload"
)

// DeckTypes 是混音台 deck 允许的内容类型。
var DeckTypes = map[string]bool{
	"shader":     true,
	"video":      true,
	"generative": true,
}

// Clamp01 把数值钳在 [0,1]。
func Clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// DeckState 描述混音台上一个 deck 的内容与可见度。
type DeckState struct {
	Type    *string `json:"type"`
	AssetID *string `json:"assetId"`
	Opacity float64 `json:"opacity"`
	Enabled bool    `json:"enabled"`
}

// Apply 合并部分更新。
// 规则：generative 类型不引用资源；没有类型或没有资源的 deck 被清空。
func (d *DeckState) Apply(update map[string]any) {
	if v, ok := update["type"]; ok {
		d.Type = nil
		if s, ok := v.(string); ok && DeckTypes[s] {
			d.Type = &s
		}
	}
	if v, _, ok := (payload.Aliases{"asset_id", "assetId"}).Present(update); ok {
		d.AssetID = nil
		if s, ok := v.(string); ok && s != "" {
			d.AssetID = &s
		}
	}
	if v, ok := update["opacity"]; ok {
		f, _ := payload.ToFloat(v)
		d.Opacity = Clamp01(f)
	}
	if v, ok := update["enabled"]; ok {
		d.Enabled = payload.Truthy(v)
	}

	switch {
	case d.Type != nil && *d.Type == "generative":
		d.AssetID = nil
	case d.Type == nil || d.AssetID == nil:
		d.Type = nil
		d.AssetID = nil
	}
}

// MixState 是四路 deck 与四个交叉推子的混音状态。
type MixState struct {
	CrossfaderAB float64              `json:"crossfaderAB"`
	CrossfaderAC float64              `json:"crossfaderAC"`
	CrossfaderBD float64              `json:"crossfaderBD"`
	CrossfaderCD float64              `json:"crossfaderCD"`
	Decks        map[string]DeckState `json:"decks"`
}

// NewMixState 返回推子居中、deck 全空的默认状态。
func NewMixState(keys []string) MixState {
	decks := make(map[string]DeckState, len(keys))
	for _, k := range keys {
		decks[k] = DeckState{}
	}
	return MixState{
		CrossfaderAB: 0.5,
		CrossfaderAC: 0.5,
		CrossfaderBD: 0.5,
		CrossfaderCD: 0.5,
		Decks:        decks,
	}
}

// Clone 深拷贝，保证快照与内部状态互不影响。
func (m MixState) Clone() MixState {
	out := m
	out.Decks = make(map[string]DeckState, len(m.Decks))
	for k, d := range m.Decks {
		out.Decks[k] = d
	}
	return out
}

// SetCrossfader 按目标名设置推子；main 等同 ab。未知目标返回 false。
func (m *MixState) SetCrossfader(target string, value float64) bool {
	value = Clamp01(value)
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "main", "ab":
		m.CrossfaderAB = value
	case "ac":
		m.CrossfaderAC = value
	case "bd":
		m.CrossfaderBD = value
	case "cd":
		m.CrossfaderCD = value
	default:
		return false
	}
	return true
}

// ControlSettings 是控制台的生成参数。
type ControlSettings struct {
	ModelProvider  string `json:"modelProvider"`
	AudioInputMode string `json:"audioInputMode"`
	Prompt         string `json:"prompt"`
}

func DefaultControlSettings() ControlSettings {
	return ControlSettings{ModelProvider: "gemini", AudioInputMode: "file"}
}

// Update 合并部分更新，非法值回落到默认值。
func (c *ControlSettings) Update(update map[string]any) {
	if _, ok := update["modelProvider"]; ok {
		c.ModelProvider = stringOr(update["modelProvider"], "gemini")
	}
	if _, ok := update["audioInputMode"]; ok {
		mode := stringOr(update["audioInputMode"], "file")
		if mode != "file" && mode != "microphone" {
			mode = "file"
		}
		c.AudioInputMode = mode
	}
	if _, ok := update["prompt"]; ok {
		c.Prompt = stringOr(update["prompt"], "")
	}
}

// ViewerStatus 是观看端上报的运行状态。
type ViewerStatus struct {
	IsRunning        bool    `json:"isRunning"`
	IsGenerating     bool    `json:"isGenerating"`
	Error            string  `json:"error"`
	AudioSensitivity float64 `json:"audioSensitivity"`
}

func DefaultViewerStatus() ViewerStatus {
	return ViewerStatus{AudioSensitivity: 1.0}
}

func (v *ViewerStatus) Update(update map[string]any) {
	if raw, ok := update["isRunning"]; ok {
		v.IsRunning = payload.Truthy(raw)
	}
	if raw, ok := update["isGenerating"]; ok {
		v.IsGenerating = payload.Truthy(raw)
	}
	if _, ok := update["error"]; ok {
		v.Error = stringOr(update["error"], "")
	}
	if raw, ok := update["audioSensitivity"]; ok {
		f, _ := payload.ToFloat(raw)
		v.AudioSensitivity = math.Max(0, f)
	}
}

// Asset 是可供 deck 使用的素材条目。
type Asset struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	URL      string `json:"url,omitempty" yaml:"url"`
	Category string `json:"category,omitempty" yaml:"category"`
	Code     string `json:"code,omitempty" yaml:"code"`
}

// AssetCollection 按类别分组的素材列表。
type AssetCollection struct {
	GLSL     []Asset `json:"glsl" yaml:"glsl"`
	Videos   []Asset `json:"videos" yaml:"videos"`
	Overlays []Asset `json:"overlays" yaml:"overlays"`
}

func stringOr(v any, fallback string) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return fallback
	}
	return s
}
