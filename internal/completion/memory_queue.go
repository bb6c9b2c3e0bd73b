package completion

import (
	"context"
	"sync"

	xerrors "DualToken-Engine/internal/errors"
)

// MemoryQueue 是基于带缓冲 channel 的进程内队列，重启后未消费的上报
// 由 Service.Resume 从存储中重新投递。
type MemoryQueue struct {
	mu     sync.RWMutex
	items  chan string
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列，size 非正时取 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{items: make(chan string, size)}
}

// Publish 投递上报 ID，队列已满时阻塞直到有空位或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, entryID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "report queue is closed", xerrors.WithParams("report_id", entryID))
	}
	select {
	case q.items <- entryID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 消费队列直到 ctx 结束或队列关闭。处理器返回的错误只被忽略，
// 重试由处理器自己重新投递。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case id, ok := <-q.items:
				if !ok {
					return nil
				}
				_ = handler(ctx, id)
			}
		}
	})
}

// Close 关闭队列，之后的 Publish 返回 QUEUE_FAILURE。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	return nil
}
