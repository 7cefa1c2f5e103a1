package timeline

import (
	"context"
	"encoding/json"
	"time"
)

// Entry 是日志中的一条已提交变更（transport 快照、deck 状态或 deck 加载）。
type Entry struct {
	Seq       int64           `json:"seq"`
	Stream    string          `json:"stream"`
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store 是 append-first 的变更日志。
type Store interface {
	// Append 写入一条记录，返回本次写入的 seq。
	// 约定：同一 stream 的 seq 单调递增；相同 ID 的请求应幂等返回同一 seq。
	Append(ctx context.Context, stream string, entry *Entry) (int64, error)
	// List 返回该 stream 的全量记录（按 seq 顺序），用于回放与排障。
	List(ctx context.Context, stream string) ([]Entry, error)
	Close() error
}
