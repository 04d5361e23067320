package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"podstrip/internal/domain"
	"podstrip/internal/infra/metrics"
)

// RedisJobQueue реализует очередь задач на базе Redis lists — запасной
// вариант для однонодовых развёртываний без RabbitMQ. Подтверждение
// имитируется возвратом сообщения в очередь при неуспехе.
type RedisJobQueue struct {
	client *redis.Client
	key    string
}

var _ domain.JobQueue = (*RedisJobQueue)(nil)

// NewRedisJobQueue создаёт очередь по указанному ключу.
func NewRedisJobQueue(client *redis.Client, key string) *RedisJobQueue {
	return &RedisJobQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisJobQueue) Enqueue(ctx context.Context, msg domain.JobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди.
func (q *RedisJobQueue) Receive(ctx context.Context) (domain.JobMessage, domain.JobAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.JobMessage{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.JobMessage{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.JobMessage{}, nil, err
		}
		if len(res) != 2 {
			return domain.JobMessage{}, nil, errors.New("redis queue: unexpected response")
		}
		payload := res[1]
		var msg domain.JobMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return domain.JobMessage{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, payload).Err()
		}
		return msg, ack, nil
	}
}
