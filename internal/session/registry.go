package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/metrics"
)

// Registry 会话 Actor 注册表，保证每个会话 ID 在进程内只有一个 Actor
type Registry struct {
	mu      sync.Mutex
	actors  map[string]*heldActor
	state   StateStore
	mirror  MirrorStore
	lease   Lease
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

// heldActor 记录 Actor 当前的持有者数量
type heldActor struct {
	actor *Actor
	refs  int
}

// Options 注册表可选配置
type Options struct {
	// Lease 跨实例租约，为 nil 时只依赖进程内互斥锁
	Lease   Lease
	Metrics *metrics.Metrics
}

// NewRegistry 创建注册表
func NewRegistry(state StateStore, mirror MirrorStore, logger *logrus.Logger, opts Options) *Registry {
	return &Registry{
		actors:  make(map[string]*heldActor),
		state:   state,
		mirror:  mirror,
		lease:   opts.Lease,
		metrics: opts.Metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Get 返回会话对应的 Actor，不存在时创建。
// 每次 Get 都计为一个持有者，用完后需要调用 Release。
func (r *Registry) Get(id string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.actors[id]; ok {
		h.refs++
		return h.actor
	}
	a := &Actor{
		id:     id,
		state:  r.state,
		mirror: r.mirror,
		lease:  r.lease,
		logger: r.logger,
		now:    r.now,
	}
	r.actors[id] = &heldActor{actor: a, refs: 1}
	r.metrics.UpdateActiveSessions(len(r.actors))
	return a
}

// Release 释放一次持有。最后一个持有者释放后 Actor 从内存中移除，持久化状态保持不变。
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.actors[id]
	if !ok {
		return
	}
	h.refs--
	if h.refs > 0 {
		return
	}
	delete(r.actors, id)
	r.metrics.UpdateActiveSessions(len(r.actors))
}

// Snapshot 返回会话当前状态，不会为不在内存中的会话创建 Actor
func (r *Registry) Snapshot(ctx context.Context, id string) (*domain.AnalysisSession, error) {
	r.mu.Lock()
	h, ok := r.actors[id]
	r.mu.Unlock()
	if ok {
		return h.actor.Status(ctx)
	}

	sess, err := r.state.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

// Len 返回内存中的 Actor 数量
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
