package timeline

import (
	"context"
	"encoding/json"
	"testing"
)

// TestInMemoryStoreAppendAssignsSeq 验证 Append 方法为记录分配正确的 seq。
// 场景：连续追加两条记录，验证 seq 递增；不同 stream 的 seq 相互独立。
func TestInMemoryStoreAppendAssignsSeq(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	seq1, err := store.Append(ctx, "transport", &Entry{Type: "transport"})
	if err != nil {
		t.Fatalf("append entry: %v", err)
	}
	if seq1 != 1 {
		t.Fatalf("expected seq 1, got %d", seq1)
	}

	seq2, err := store.Append(ctx, "transport", &Entry{Type: "transport"})
	if err != nil {
		t.Fatalf("append entry: %v", err)
	}
	if seq2 != 2 {
		t.Fatalf("expected seq 2, got %d", seq2)
	}

	other, err := store.Append(ctx, "deck:a", &Entry{Type: "deck-media-state"})
	if err != nil {
		t.Fatalf("append entry: %v", err)
	}
	if other != 1 {
		t.Fatalf("expected independent seq 1 for deck:a, got %d", other)
	}
}

// TestInMemoryStoreAppendIdempotentByID 验证 Append 方法对相同 ID 的幂等性。
// 场景：追加两条具有相同 ID 的记录，验证返回的 seq 相同且只存储一条。
func TestInMemoryStoreAppendIdempotentByID(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	seq1, err := store.Append(ctx, "transport", &Entry{Type: "transport", ID: "boot:rev-1"})
	if err != nil {
		t.Fatalf("append entry: %v", err)
	}
	seq2, err := store.Append(ctx, "transport", &Entry{Type: "transport", ID: "boot:rev-1"})
	if err != nil {
		t.Fatalf("append duplicate entry: %v", err)
	}
	if seq2 != seq1 {
		t.Fatalf("expected same seq for duplicate id, got %d vs %d", seq1, seq2)
	}

	entries, err := store.List(ctx, "transport")
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry stored, got %d", len(entries))
	}
	if entries[0].Stream != "transport" || entries[0].CreatedAt.IsZero() {
		t.Fatalf("expected stream and created_at filled, got %+v", entries[0])
	}
}

// TestInMemoryStoreListReturnsCopy 验证 List 方法返回切片副本，防止外部修改影响内部状态。
func TestInMemoryStoreListReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	payload := json.RawMessage(`{"rev":1}`)
	if _, err := store.Append(ctx, "transport", &Entry{Type: "transport", Payload: payload}); err != nil {
		t.Fatalf("append entry: %v", err)
	}

	entries, err := store.List(ctx, "transport")
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	entries[0].Type = "mutated"

	again, err := store.List(ctx, "transport")
	if err != nil {
		t.Fatalf("list entries again: %v", err)
	}
	if again[0].Type != "transport" {
		t.Fatalf("expected internal data unchanged, got %q", again[0].Type)
	}
}
