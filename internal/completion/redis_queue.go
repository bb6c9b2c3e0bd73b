package completion

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于两个 Redis list 实现可靠队列：上报 ID 先从 Queue 原子地移入
// Queue+":processing"，处理完成后才删除。进程崩溃时留在 processing 中的上报
// 会在下次 Consume 时被放回待处理队列。
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	wait       time.Duration
}

// NewRedisQueue 连接 Redis 并创建队列。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "connect redis", xerrors.WithParams("address", cfg.Address))
	}

	key := cfg.Queue
	if key == "" {
		key = "tokend:reports"
	}
	q := &RedisQueue{
		client:     client,
		pending:    key,
		processing: key + ":processing",
		wait:       cfg.BlockWait,
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	return q, nil
}

// Publish 把上报 ID 放到待处理队列头部。
func (q *RedisQueue) Publish(ctx context.Context, entryID string) error {
	if err := q.client.LPush(ctx, q.pending, entryID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis publish", xerrors.WithParams("report_id", entryID))
	}
	return nil
}

// Consume 先回收上次遗留在 processing 中的上报，再用 BLMOVE 阻塞消费。
// 处理失败的上报被放回待处理队列尾部。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if err := q.recoverInflight(ctx); err != nil {
		return err
	}
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for ctx.Err() == nil {
			id, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.wait).Result()
			switch {
			case errors.Is(err, redis.Nil):
				continue
			case err != nil:
				if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
					return nil
				}
				return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis consume")
			}
			q.finish(ctx, id, handler(ctx, id))
		}
		return nil
	})
}

func (q *RedisQueue) finish(ctx context.Context, id string, handleErr error) {
	// ctx 可能已取消，确认操作使用独立的超时。
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.wait)
	defer cancel()
	pipe := q.client.TxPipeline()
	pipe.LRem(ackCtx, q.processing, 1, id)
	if handleErr != nil {
		pipe.RPush(ackCtx, q.pending, id)
	}
	if _, err := pipe.Exec(ackCtx); err != nil {
		logger.L().Error("failed to acknowledge report",
			slog.Any("error", err),
			slog.String("report_id", id),
			slog.Bool("requeue", handleErr != nil),
		)
	}
}

func (q *RedisQueue) recoverInflight(ctx context.Context) error {
	recovered := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "recover in-flight reports")
		}
		recovered++
	}
	if recovered > 0 {
		logger.L().Warn("recovered in-flight reports", slog.Int("count", recovered), slog.String("queue", q.pending))
	}
	return nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
