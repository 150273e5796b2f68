package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DailyCap 按服务、按 UTC 日计数的摄取上限
type DailyCap interface {
	// Allow 为服务计数一次，超过 limit 时返回 false
	Allow(ctx context.Context, service string, limit int64, now time.Time) (bool, error)
	// Refund 撤销一次计数，用于记录最终没有写入的情况
	Refund(ctx context.Context, service string, now time.Time) error
}

// RedisDailyCap 基于 Redis INCR 的每日上限计数器。
// 计数键在当日结束后一小时过期。
type RedisDailyCap struct {
	client *redis.Client
	prefix string
}

// NewRedisDailyCap 创建 Redis 每日上限计数器
func NewRedisDailyCap(client *redis.Client) *RedisDailyCap {
	return &RedisDailyCap{client: client, prefix: "logflow:dailycap:"}
}

func (r *RedisDailyCap) key(service string, day time.Time) string {
	return fmt.Sprintf("%s%s:%s", r.prefix, service, day.Format("20060102"))
}

// Allow 实现 DailyCap
func (r *RedisDailyCap) Allow(ctx context.Context, service string, limit int64, now time.Time) (bool, error) {
	day := now.UTC()
	key := r.key(service, day)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	endOfDay := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).Add(25 * time.Hour)
	pipe.ExpireAt(ctx, key, endOfDay)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= limit, nil
}

// Refund 实现 DailyCap
func (r *RedisDailyCap) Refund(ctx context.Context, service string, now time.Time) error {
	return r.client.Decr(ctx, r.key(service, now.UTC())).Err()
}

// Count 返回服务当日已计数的记录数
func (r *RedisDailyCap) Count(ctx context.Context, service string, now time.Time) (int64, error) {
	n, err := r.client.Get(ctx, r.key(service, now.UTC())).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
