package engine

import (
	"strings"
	"sync"
)

// MixerLayer 是送往合成器的一层输入。
type MixerLayer struct {
	SourceID string  `json:"source_id"`
	Opacity  float64 `json:"opacity"`
}

// Pipeline 是渲染管线的边界：控制面只告诉它“哪个 deck 播什么”和“怎么叠”。
type Pipeline interface {
	// SetDeckSource 切换 deck 的输入源，返回管线配置的 revision；src 为空表示移除。
	SetDeckSource(deck, src string) (int64, error)
	// SetMixerLayers 替换合成层列表。
	SetMixerLayers(layers []MixerLayer) error
}

// MemoryPipeline 只记录配置、不做实际渲染，用于无渲染节点的部署和测试。
type MemoryPipeline struct {
	mu       sync.Mutex
	revision int64
	sources  map[string]string
	layers   []MixerLayer
}

func NewMemoryPipeline() *MemoryPipeline {
	return &MemoryPipeline{sources: make(map[string]string)}
}

func (p *MemoryPipeline) SetDeckSource(deck, src string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if src = strings.TrimSpace(src); src != "" {
		p.sources[deck] = src
	} else {
		delete(p.sources, deck)
	}
	p.revision++
	return p.revision, nil
}

func (p *MemoryPipeline) SetMixerLayers(layers []MixerLayer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.layers = append([]MixerLayer(nil), layers...)
	return nil
}

// Describe 返回当前配置，供调试接口使用。
func (p *MemoryPipeline) Describe() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	sources := make(map[string]string, len(p.sources))
	for k, v := range p.sources {
		sources[k] = v
	}
	return map[string]any{
		"revision":     p.revision,
		"deck_sources": sources,
		"mixer_layers": append([]MixerLayer(nil), p.layers...),
	}
}

func (p *MemoryPipeline) Source(deck string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src, ok := p.sources[deck]
	return src, ok
}

func (p *MemoryPipeline) Layers() []MixerLayer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MixerLayer(nil), p.layers...)
}
