package timeline

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore 是一个基于内存的日志存储实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	entries  map[string][]Entry
	seq      map[string]int64
	entryIDs map[string]map[string]int64
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries:  make(map[string][]Entry),
		seq:      make(map[string]int64),
		entryIDs: make(map[string]map[string]int64),
		now:      time.Now,
	}
}

// Append 追加记录，并为该 stream 分配单调递增 seq。
// 副作用：会修改内存状态；相同 ID 会直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, stream string, entry *Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID != "" {
		if seen, ok := s.entryIDs[stream]; ok {
			if seq, exists := seen[entry.ID]; exists {
				return seq, nil
			}
		}
	}

	s.seq[stream]++
	seq := s.seq[stream]

	entryCopy := *entry
	entryCopy.Seq = seq
	entryCopy.Stream = stream
	if entryCopy.CreatedAt.IsZero() {
		entryCopy.CreatedAt = s.now()
	}
	s.entries[stream] = append(s.entries[stream], entryCopy)

	if entry.ID != "" {
		if s.entryIDs[stream] == nil {
			s.entryIDs[stream] = make(map[string]int64)
		}
		s.entryIDs[stream][entry.ID] = seq
	}

	return seq, nil
}

// List 返回某个 stream 的全部记录（按 seq 顺序）。
// 兼容性：返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, stream string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[stream]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
