package completion

import (
	"context"
	"sync"
)

// Handler 处理从队列取出的上报 ID。返回错误时由队列实现决定是否重新投递。
type Handler func(ctx context.Context, entryID string) error

// Producer 向队列投递上报 ID。
type Producer interface {
	Publish(ctx context.Context, entryID string) error
	Close() error
}

// Consumer 以固定数量的协程消费上报，阻塞直到 ctx 结束或队列不可用。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备投递与消费能力，是各驱动的公共形态。
type Queue interface {
	Producer
	Consumer
}

// runWorkers 启动 n 个 loop 协程，返回第一个非 nil 错误，或在全部退出后返回 ctx 的错误。
// loop 在 ctx 结束时应尽快返回。
func runWorkers(ctx context.Context, n int, loop func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for range max(n, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && ctx.Err() == nil {
				once.Do(func() { firstErr = err })
				cancel()
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return context.Cause(ctx)
}
