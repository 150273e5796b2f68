// Package session 实现分析会话 Actor。
// 每个会话 ID 在进程内只有一个 Actor，所有操作经 Actor 的互斥锁串行化；
// 多实例部署时可以额外启用 Redis 租约保证全局单写者。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/logflow/internal/domain"
)

// StateStore 会话 Actor 的持久化状态，按会话 ID 隔离
type StateStore interface {
	// Get 返回会话状态，不存在时返回 nil, nil
	Get(ctx context.Context, id string) (*domain.AnalysisSession, error)
	Put(ctx context.Context, sess *domain.AnalysisSession) error
}

// RedisStateStore 以 JSON 形式把会话状态保存在 Redis 中
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateStore 创建 Redis 状态存储，ttl 为 0 时不过期
func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: ttl}
}

func stateKey(id string) string {
	return fmt.Sprintf("logflow:session:%s", id)
}

// Get 实现 StateStore
func (r *RedisStateStore) Get(ctx context.Context, id string) (*domain.AnalysisSession, error) {
	data, err := r.client.Get(ctx, stateKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}
	var sess domain.AnalysisSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &sess, nil
}

// Put 实现 StateStore
func (r *RedisStateStore) Put(ctx context.Context, sess *domain.AnalysisSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, stateKey(sess.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	return nil
}

// MemoryStateStore 进程内状态存储，用于单实例部署和测试
type MemoryStateStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.AnalysisSession
}

// NewMemoryStateStore 创建内存状态存储
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{sessions: make(map[string]*domain.AnalysisSession)}
}

// Get 实现 StateStore
func (m *MemoryStateStore) Get(ctx context.Context, id string) (*domain.AnalysisSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

// Put 实现 StateStore
func (m *MemoryStateStore) Put(ctx context.Context, sess *domain.AnalysisSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func cloneSession(s *domain.AnalysisSession) *domain.AnalysisSession {
	c := *s
	c.Patterns = append([]string(nil), s.Patterns...)
	c.Recommendations = append([]string(nil), s.Recommendations...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
