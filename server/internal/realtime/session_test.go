package realtime

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newDetachedSession 创建一个不绑定连接的会话，只用于检查队列行为。
func newDetachedSession(t *testing.T, queueSize int, supportsAck bool) *Session {
	t.Helper()
	s := NewSession(nil, nil, SessionOptions{QueueSize: queueSize}, quietLogger())
	s.configure(helloInfo{DeckID: "main", ClientID: "c", Role: "viewer", SupportsAck: supportsAck}, false)
	t.Cleanup(s.stop)
	return s
}

func drain(s *Session) []*queuedMessage {
	var items []*queuedMessage
	for {
		select {
		case item := <-s.queue.C():
			items = append(items, item)
		default:
			return items
		}
	}
}

// TestSessionSendDropsDroppableWhenFull 验证背压：可丢弃消息在队列满时丢弃，阻塞消息等待。
func TestSessionSendDropsDroppableWhenFull(t *testing.T) {
	s := newDetachedSession(t, 1, false)
	ctx := context.Background()

	if err := s.Send(ctx, Outbound{Type: "transport-tick"}, SendOptions{AllowDrop: true}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := s.Send(ctx, Outbound{Type: "transport-tick"}, SendOptions{AllowDrop: true}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	timeout, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := s.Send(timeout, Outbound{Type: "transport"}, SendOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected blocking send to time out, got %v", err)
	}

	stats := s.Stats()
	if stats["dropped"] != int64(1) || stats["deck_id"] != "main" {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

// TestSessionSendAssignsCommandIDOnlyWhenAckSupported 验证只有支持确认的会话才分配 commandId。
func TestSessionSendAssignsCommandIDOnlyWhenAckSupported(t *testing.T) {
	ctx := context.Background()

	plain := newDetachedSession(t, 4, false)
	_ = plain.Send(ctx, Outbound{Type: "transport"}, SendOptions{RequireAck: true})
	items := drain(plain)
	if len(items) != 1 || items[0].requireAck || items[0].msg.CommandID != "" {
		t.Fatalf("unexpected items for non-ack session: %+v", items)
	}

	acked := newDetachedSession(t, 4, true)
	_ = acked.Send(ctx, Outbound{Type: "transport"}, SendOptions{RequireAck: true})
	_ = acked.Send(ctx, Outbound{Type: "deckReady"}, SendOptions{RequireAck: true, CommandID: "load-1"})
	items = drain(acked)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if !items[0].requireAck || items[0].msg.CommandID == "" {
		t.Fatalf("expected generated command id, got %+v", items[0])
	}
	if items[1].msg.CommandID != "load-1" {
		t.Fatalf("expected load-1, got %q", items[1].msg.CommandID)
	}
}

// TestSessionSendAfterStop 验证会话停止后发送返回 ErrSessionClosed。
func TestSessionSendAfterStop(t *testing.T) {
	s := newDetachedSession(t, 4, false)
	s.stop()
	if err := s.Send(context.Background(), Outbound{Type: "x"}, SendOptions{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

// TestSessionAckBookkeeping 验证待确认登记、确认与重传跳过。
func TestSessionAckBookkeeping(t *testing.T) {
	s := newDetachedSession(t, 4, true)
	s.opts.AckTimeout = time.Second

	item := &queuedMessage{msg: Outbound{Type: "transport", CommandID: "c1"}, requireAck: true}
	if !s.trackAck("c1", item) {
		t.Fatalf("first send must be tracked")
	}
	if s.PendingAcks() != 1 {
		t.Fatalf("expected 1 pending ack, got %d", s.PendingAcks())
	}
	if s.acknowledge("unknown") {
		t.Fatalf("unknown id must not match")
	}
	if !s.acknowledge("c1") {
		t.Fatalf("expected c1 to be acknowledged")
	}
	if s.PendingAcks() != 0 {
		t.Fatalf("expected no pending acks")
	}

	retry := &queuedMessage{msg: item.msg, requireAck: true, isRetry: true, retries: 1}
	if s.trackAck("c1", retry) {
		t.Fatalf("retry of an acknowledged message must be skipped")
	}
}

// TestSessionAcknowledgeIgnoredWithoutAckSupport 验证 legacy/不支持确认的会话不匹配 ack。
func TestSessionAcknowledgeIgnoredWithoutAckSupport(t *testing.T) {
	s := newDetachedSession(t, 4, false)
	s.pending["c1"] = &pendingAck{}
	if s.acknowledge("c1") {
		t.Fatalf("ack must be ignored when ack support is off")
	}
}

// TestSessionOptionsNormalized 验证参数下限与默认值。
func TestSessionOptionsNormalized(t *testing.T) {
	o := SessionOptions{HelloTimeout: time.Millisecond, MaxAckRetries: -1}.normalized()
	if o.HelloTimeout != minHelloTimeout || o.MaxAckRetries != 0 || o.QueueSize != defaultQueueCapacity {
		t.Fatalf("unexpected normalized options: %+v", o)
	}
	if p := (SessionOptions{PingInterval: 10 * time.Second, PongTimeout: time.Second}).normalized(); p.PongTimeout != 10*time.Second {
		t.Fatalf("expected pong timeout raised to ping interval, got %v", p.PongTimeout)
	}
	if d := (SessionOptions{}).normalized(); d.HelloTimeout != 5*time.Second || d.WriteWait != 10*time.Second || d.AckTimeout != 0 {
		t.Fatalf("unexpected defaults: %+v", d)
	}
}

// TestSessionTinyAckTimeoutIsClamped 验证极小的 AckTimeout 被抬到下限，确认监控可以正常启动。
func TestSessionTinyAckTimeoutIsClamped(t *testing.T) {
	if o := (SessionOptions{AckTimeout: time.Nanosecond}).normalized(); o.AckTimeout != minAckTimeout {
		t.Fatalf("expected ack timeout clamped to %v, got %v", minAckTimeout, o.AckTimeout)
	}

	s := NewSession(nil, nil, SessionOptions{QueueSize: 4, AckTimeout: time.Nanosecond}, quietLogger())
	s.configure(helloInfo{DeckID: "main", ClientID: "c", Role: "viewer", SupportsAck: true}, false)
	s.wg.Add(1)
	go s.monitorAcks()
	time.Sleep(3 * minAckTimeout)
	s.stop()
	s.wg.Wait()
}
