package timeline

import (
	"context"
	"os"
	"testing"

	"github.com/rs/xid"
)

// TestRedisStoreAppendAndList 需要真实 Redis；未设置 MULOOM_REDIS_ADDR 时跳过。
func TestRedisStoreAppendAndList(t *testing.T) {
	addr := os.Getenv("MULOOM_REDIS_ADDR")
	if addr == "" {
		t.Skip("MULOOM_REDIS_ADDR not set")
	}
	// 每次运行使用独立前缀，避免与旧数据冲突。
	store, err := OpenRedisStore(addr, "", 0, "muloom:test:"+xid.New().String())
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	seq1, err := store.Append(ctx, "transport", &Entry{ID: "rev-1", Type: "transport"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	seq2, err := store.Append(ctx, "transport", &Entry{ID: "rev-1", Type: "transport"})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if seq1 != 1 || seq2 != 1 {
		t.Fatalf("expected idempotent seq 1, got %d and %d", seq1, seq2)
	}

	entries, err := store.List(ctx, "transport")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Seq != 1 || entries[0].Stream != "transport" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
