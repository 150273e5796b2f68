package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseTimeout 在 ctx 结束前没有拿到租约
var ErrLeaseTimeout = errors.New("session lease not acquired")

// Lease 跨实例的会话单写者租约
type Lease interface {
	// Acquire 阻塞直到获得租约或 ctx 结束，返回释放函数
	Acquire(ctx context.Context, id string) (release func(), err error)
}

// releaseScript 只删除自己持有的租约
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease 基于 SET NX PX 的租约
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLease 创建 Redis 租约
func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{client: client, ttl: ttl, retry: 50 * time.Millisecond}
}

func leaseKey(id string) string {
	return fmt.Sprintf("logflow:session-lease:%s", id)
}

// Acquire 实现 Lease
func (l *RedisLease) Acquire(ctx context.Context, id string) (func(), error) {
	key := leaseKey(id)
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire session lease: %w", err)
		}
		if ok {
			return func() {
				// 释放使用独立上下文，调用方取消后仍能归还租约
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				releaseScript.Run(rctx, l.client, []string{key}, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLeaseTimeout, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}
