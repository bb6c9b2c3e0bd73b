package completion

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "DualToken-Engine/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认交换机把上报 ID 路由到同名队列，消费使用手动确认。
type RabbitMQQueue struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	closed chan *amqp.Error
}

// NewRabbitMQQueue 建立连接并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (q *RabbitMQQueue, err error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "rabbitmq url is required")
	}
	name := cfg.Queue
	if name == "" {
		name = "tokend.reports"
	}
	fail := func(cause error, step string) error {
		return xerrors.Wrap(xerrors.CodeQueueFailure, cause, step, xerrors.WithParams("queue", name))
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fail(err, "connect rabbitmq")
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()
	ch, err := conn.Channel()
	if err != nil {
		return nil, fail(err, "open rabbitmq channel")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, fail(err, "set rabbitmq prefetch")
		}
	}
	if _, err := ch.QueueDeclare(name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return nil, fail(err, "declare rabbitmq queue")
	}
	return &RabbitMQQueue{
		conn:   conn,
		ch:     ch,
		queue:  name,
		closed: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// Publish 以持久化消息投递上报 ID，MessageId 与上报 ID 相同便于排查。
func (q *RabbitMQQueue) Publish(ctx context.Context, entryID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "rabbitmq queue is not initialized")
	}
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    entryID,
		Type:         "report.completion",
		AppId:        "tokend",
		Timestamp:    time.Now().UTC(),
		Body:         []byte(entryID),
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "rabbitmq publish", xerrors.WithParams("report_id", entryID))
	}
	return nil
}

// Consume 订阅队列直到 ctx 结束。处理失败的消息 Nack 后重新入队；
// 通道被服务端关闭时返回 QUEUE_FAILURE。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "rabbitmq queue is not initialized")
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "subscribe rabbitmq queue", xerrors.WithParams("queue", q.queue))
	}

	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case amqpErr, ok := <-q.closed:
				if ok && amqpErr != nil {
					return xerrors.Wrap(xerrors.CodeQueueFailure, amqpErr, "rabbitmq channel closed")
				}
				return nil
			case d, ok := <-deliveries:
				if !ok {
					return nil
				}
				if err := handler(ctx, string(d.Body)); err != nil {
					_ = d.Nack(false, true)
					continue
				}
				_ = d.Ack(false)
			}
		}
	})
}

// Close 关闭通道与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
