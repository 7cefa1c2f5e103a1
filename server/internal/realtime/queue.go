package realtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueFull 表示可丢弃消息因队列已满被丢弃。
var ErrQueueFull = errors.New("outbound queue full")

const defaultQueueCapacity = 256

// queuedMessage 是待发送的一条消息及其确认要求。
type queuedMessage struct {
	msg        Outbound
	requireAck bool
	isRetry    bool
	retries    int
	queuedAt   time.Time
}

// outboundQueue 是每个会话的有界发送队列（背压控制）。
// 只有 sendLoop 消费；可丢弃消息走 TryEnqueue，其它消息阻塞等待空位。
type outboundQueue struct {
	sessionID string
	ch        chan *queuedMessage
	done      <-chan struct{}

	// 统计信息
	mu      sync.Mutex
	total   int64
	sent    int64
	dropped int64
	// 入队到写出的等待时间，用来判断客户端是否跟得上
	lastWait time.Duration
	maxWait  time.Duration
}

func newOutboundQueue(sessionID string, capacity int, done <-chan struct{}) *outboundQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &outboundQueue{
		sessionID: sessionID,
		ch:        make(chan *queuedMessage, capacity),
		done:      done,
	}
}

// TryEnqueue 非阻塞入队；队列满时丢弃并计数。
func (q *outboundQueue) TryEnqueue(item *queuedMessage) error {
	select {
	case <-q.done:
		return ErrSessionClosed
	default:
	}

	item.queuedAt = time.Now()
	select {
	case q.ch <- item:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		return ErrQueueFull
	}
}

// Enqueue 阻塞入队，直到有空位、ctx 取消或会话关闭。
func (q *outboundQueue) Enqueue(ctx context.Context, item *queuedMessage) error {
	select {
	case <-q.done:
		return ErrSessionClosed
	default:
	}

	item.queuedAt = time.Now()
	select {
	case q.ch <- item:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrSessionClosed
	}
}

// C 返回消费端 channel。
func (q *outboundQueue) C() <-chan *queuedMessage {
	return q.ch
}

func (q *outboundQueue) markSent(item *queuedMessage) {
	wait := time.Since(item.queuedAt)
	q.mu.Lock()
	q.sent++
	q.lastWait = wait
	if wait > q.maxWait {
		q.maxWait = wait
	}
	q.mu.Unlock()
}

// Stats 返回队列统计信息
func (q *outboundQueue) Stats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	return map[string]interface{}{
		"session_id":   q.sessionID,
		"total":        q.total,
		"sent":         q.sent,
		"dropped":      q.dropped,
		"pending":      len(q.ch),
		"capacity":     cap(q.ch),
		"last_wait_ms": q.lastWait.Milliseconds(),
		"max_wait_ms":  q.maxWait.Milliseconds(),
	}
}
