package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestOutboundQueueDropsWhenFull 验证可丢弃消息在队列满时被丢弃并计数。
func TestOutboundQueueDropsWhenFull(t *testing.T) {
	done := make(chan struct{})
	q := newOutboundQueue("s1", 2, done)

	for i := 0; i < 2; i++ {
		if err := q.TryEnqueue(&queuedMessage{msg: Outbound{Type: "tick"}}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.TryEnqueue(&queuedMessage{msg: Outbound{Type: "tick"}}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	stats := q.Stats()
	if stats["total"] != int64(2) || stats["dropped"] != int64(1) || stats["pending"] != 2 || stats["capacity"] != 2 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

// TestOutboundQueueEnqueueBlocksUntilSpace 验证阻塞入队在有空位后完成。
func TestOutboundQueueEnqueueBlocksUntilSpace(t *testing.T) {
	done := make(chan struct{})
	q := newOutboundQueue("s1", 1, done)
	_ = q.TryEnqueue(&queuedMessage{msg: Outbound{Type: "first"}})

	result := make(chan error, 1)
	go func() {
		result <- q.Enqueue(context.Background(), &queuedMessage{msg: Outbound{Type: "second"}})
	}()

	select {
	case err := <-result:
		t.Fatalf("enqueue should block while full, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if item := <-q.C(); item.msg.Type != "first" {
		t.Fatalf("expected first, got %s", item.msg.Type)
	}
	if err := <-result; err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item := <-q.C(); item.msg.Type != "second" {
		t.Fatalf("expected second, got %s", item.msg.Type)
	}
}

// TestOutboundQueueHonoursContextAndClose 验证 ctx 取消与会话关闭都会解除阻塞。
func TestOutboundQueueHonoursContextAndClose(t *testing.T) {
	done := make(chan struct{})
	q := newOutboundQueue("s1", 1, done)
	_ = q.TryEnqueue(&queuedMessage{msg: Outbound{Type: "fill"}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, &queuedMessage{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(done)
	if err := q.Enqueue(context.Background(), &queuedMessage{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := q.TryEnqueue(&queuedMessage{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

// TestOutboundQueueReportsWaitTime 验证统计中记录入队到写出的等待时间。
func TestOutboundQueueReportsWaitTime(t *testing.T) {
	q := newOutboundQueue("s1", 4, make(chan struct{}))
	if err := q.TryEnqueue(&queuedMessage{msg: Outbound{Type: "slow"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	q.markSent(<-q.C())

	if err := q.TryEnqueue(&queuedMessage{msg: Outbound{Type: "fast"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.markSent(<-q.C())

	stats := q.Stats()
	if wait, _ := stats["max_wait_ms"].(int64); wait < 30 {
		t.Fatalf("expected max wait >= 30ms, got %v", stats["max_wait_ms"])
	}
	if wait, _ := stats["last_wait_ms"].(int64); wait >= 30 {
		t.Fatalf("expected last wait below 30ms, got %v", stats["last_wait_ms"])
	}
	if stats["sent"] != int64(2) {
		t.Fatalf("expected 2 sent, got %v", stats["sent"])
	}
}
