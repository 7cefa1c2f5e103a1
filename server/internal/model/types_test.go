package model

import "testing"

func strPtr(s string) *string { return &s }

// TestDeckStateApply 验证 deck 更新规则：generative 不引用资源，缺类型或资源时清空。
func TestDeckStateApply(t *testing.T) {
	var d DeckState
	d.Apply(map[string]any{"type": "video", "asset_id": "loops/a.mp4", "opacity": 1.7, "enabled": true})
	if d.Type == nil || *d.Type != "video" || d.AssetID == nil || *d.AssetID != "loops/a.mp4" || d.Opacity != 1 || !d.Enabled {
		t.Fatalf("unexpected deck: %+v", d)
	}

	d.Apply(map[string]any{"type": "generative"})
	if d.AssetID != nil || *d.Type != "generative" {
		t.Fatalf("generative deck must drop asset: %+v", d)
	}

	d = DeckState{Type: strPtr("shader"), AssetID: strPtr("waves.glsl")}
	d.Apply(map[string]any{"assetId": ""})
	if d.Type != nil || d.AssetID != nil {
		t.Fatalf("deck without asset must be cleared: %+v", d)
	}

	d.Apply(map[string]any{"type": "hologram", "assetId": "x"})
	if d.Type != nil || d.AssetID != nil {
		t.Fatalf("unknown type must be cleared: %+v", d)
	}
}

// TestMixStateCrossfader 验证推子目标别名、钳位与未知目标。
func TestMixStateCrossfader(t *testing.T) {
	m := NewMixState([]string{"a", "b", "c", "d"})
	if !m.SetCrossfader(" Main ", 1.4) || m.CrossfaderAB != 1 {
		t.Fatalf("main should map to ab and clamp: %+v", m)
	}
	if !m.SetCrossfader("cd", -1) || m.CrossfaderCD != 0 {
		t.Fatalf("expected cd clamped to 0: %+v", m)
	}
	if m.SetCrossfader("xy", 0.3) {
		t.Fatalf("unknown target must be rejected")
	}

	clone := m.Clone()
	clone.Decks["a"] = DeckState{Opacity: 1}
	if m.Decks["a"].Opacity != 0 {
		t.Fatalf("clone must not share decks map")
	}
}

func TestControlSettingsAndViewerStatus(t *testing.T) {
	c := DefaultControlSettings()
	c.Update(map[string]any{"audioInputMode": "microphone", "modelProvider": ""})
	if c.AudioInputMode != "microphone" || c.ModelProvider != "gemini" {
		t.Fatalf("unexpected control settings: %+v", c)
	}
	c.Update(map[string]any{"audioInputMode": "line-in"})
	if c.AudioInputMode != "file" {
		t.Fatalf("invalid mode must fall back to file, got %q", c.AudioInputMode)
	}

	v := DefaultViewerStatus()
	v.Update(map[string]any{"isGenerating": 1.0, "error": "boom", "audioSensitivity": "2.5"})
	if !v.IsGenerating || v.Error != "boom" || v.AudioSensitivity != 2.5 || v.IsRunning {
		t.Fatalf("unexpected viewer status: %+v", v)
	}
}
