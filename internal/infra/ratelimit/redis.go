package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"podstrip/internal/domain"
	"podstrip/internal/infra/metrics"
)

const (
	// Первые failureFreeAttempts неудачи не блокируют: пользователь мог
	// просто опечататься в ссылке.
	failureFreeAttempts = 2
	maxBackoffSeconds   = 300
	counterTTL          = 15 * time.Minute
)

// RedisFailureLimiter реализует domain.AuthFailureLimiter поверх Redis.
// Счётчик и блокировка живут в общем хранилище: бэкофф один и тот же для
// всех инстансов и не обнуляется перезапуском процесса.
type RedisFailureLimiter struct {
	client *redis.Client
	prefix string
}

var _ domain.AuthFailureLimiter = (*RedisFailureLimiter)(nil)

// NewRedisFailureLimiter создаёт лимитер.
func NewRedisFailureLimiter(client *redis.Client, prefix string) *RedisFailureLimiter {
	if prefix == "" {
		prefix = "auth_failures"
	}
	return &RedisFailureLimiter{client: client, prefix: prefix}
}

func (l *RedisFailureLimiter) counterKey(clientID string) string {
	return fmt.Sprintf("%s:count:%s", l.prefix, clientID)
}

func (l *RedisFailureLimiter) blockKey(clientID string) string {
	return fmt.Sprintf("%s:block:%s", l.prefix, clientID)
}

// RetryAfter возвращает оставшиеся секунды блокировки клиента.
func (l *RedisFailureLimiter) RetryAfter(clientID string) (int, error) {
	ctx := context.Background()
	start := time.Now()
	ttl, err := l.client.TTL(ctx, l.blockKey(clientID)).Result()
	metrics.ObserveNetworkRequest("redis", "ttl", l.prefix, start, err)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	if ttl <= 0 {
		return 0, nil
	}
	return int(ttl.Seconds()) + 1, nil
}

// RegisterFailure фиксирует неудачу и возвращает назначенный бэкофф.
// Кривая: первые две неудачи бесплатны, дальше 2^(n-2) секунд с потолком
// в пять минут. Счётчик истекает сам после пятнадцати минут тишины.
func (l *RedisFailureLimiter) RegisterFailure(clientID string) (int, error) {
	ctx := context.Background()
	key := l.counterKey(clientID)

	start := time.Now()
	count, err := l.client.Incr(ctx, key).Result()
	metrics.ObserveNetworkRequest("redis", "incr", l.prefix, start, err)
	if err != nil {
		return 0, err
	}
	_ = l.client.Expire(ctx, key, counterTTL).Err()

	backoff := backoffSeconds(int(count))
	if backoff == 0 {
		return 0, nil
	}
	start = time.Now()
	err = l.client.Set(ctx, l.blockKey(clientID), "1", time.Duration(backoff)*time.Second).Err()
	metrics.ObserveNetworkRequest("redis", "set", l.prefix, start, err)
	if err != nil {
		return 0, err
	}
	return backoff, nil
}

// RegisterSuccess сбрасывает счётчик и блокировку клиента.
func (l *RedisFailureLimiter) RegisterSuccess(clientID string) error {
	ctx := context.Background()
	start := time.Now()
	err := l.client.Del(ctx, l.counterKey(clientID), l.blockKey(clientID)).Err()
	metrics.ObserveNetworkRequest("redis", "del", l.prefix, start, err)
	return err
}

func backoffSeconds(failures int) int {
	if failures <= failureFreeAttempts {
		return 0
	}
	backoff := 1
	for i := failureFreeAttempts + 1; i < failures; i++ {
		backoff *= 2
		if backoff >= maxBackoffSeconds {
			return maxBackoffSeconds
		}
	}
	return backoff
}
