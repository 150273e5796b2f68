package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/logflow/internal/domain"
)

// MirrorStore 元数据存储中的会话镜像。
// 只在启动和终止时写入，进度更新不镜像。
type MirrorStore interface {
	InsertSession(ctx context.Context, sess *domain.AnalysisSession) error
	UpdateSessionResult(ctx context.Context, sess *domain.AnalysisSession) error
}

// StartParams 启动会话的参数
type StartParams struct {
	Kind    domain.AnalysisKind
	Service string
	Start   int64
	End     int64
	Search  string
}

// Progress 进度更新，nil 字段保持不变
type Progress struct {
	LogsProcessed *int
	CurrentStep   *string
	ErrorCount    *int
	WarningCount  *int
	InfoCount     *int
}

// Outcome 分析结果
type Outcome struct {
	Summary         string
	Patterns        []string
	Recommendations []string
}

// Actor 单个分析会话的状态机，同一时刻只有一个操作在执行
type Actor struct {
	id     string
	mu     sync.Mutex
	state  StateStore
	mirror MirrorStore
	lease  Lease
	logger *logrus.Logger
	now    func() time.Time
}

// ID 返回会话 ID
func (a *Actor) ID() string { return a.id }

// exec 在互斥锁和租约保护下加载状态并执行 fn；
// fn 返回非 nil 的会话时写回状态存储
func (a *Actor) exec(ctx context.Context, fn func(cur *domain.AnalysisSession) (*domain.AnalysisSession, error)) (*domain.AnalysisSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lease != nil {
		release, err := a.lease.Acquire(ctx, a.id)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	cur, err := a.state.Get(ctx, a.id)
	if err != nil {
		return nil, err
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}
	if err := a.state.Put(ctx, next); err != nil {
		return nil, err
	}
	return cloneSession(next), nil
}

// Start 创建会话并置为 running。会话已存在时不做任何修改，返回当前状态。
func (a *Actor) Start(ctx context.Context, p StartParams) (*domain.AnalysisSession, error) {
	created := false
	sess, err := a.exec(ctx, func(cur *domain.AnalysisSession) (*domain.AnalysisSession, error) {
		if cur != nil {
			return nil, nil
		}
		created = true
		return &domain.AnalysisSession{
			ID:          a.id,
			Kind:        p.Kind,
			Service:     p.Service,
			Start:       p.Start,
			End:         p.End,
			Search:      p.Search,
			Status:      domain.SessionRunning,
			CurrentStep: "started",
			CreatedAt:   a.now().UTC(),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		if err := a.mirror.InsertSession(ctx, sess); err != nil {
			a.logger.WithError(err).WithField("session_id", a.id).Warn("Failed to mirror session start")
		}
		a.logger.WithFields(logrus.Fields{
			"session_id": a.id,
			"service":    p.Service,
			"kind":       p.Kind,
		}).Info("Analysis session started")
	}
	return sess, nil
}

// Status 返回会话当前状态
func (a *Actor) Status(ctx context.Context) (*domain.AnalysisSession, error) {
	return a.exec(ctx, func(cur *domain.AnalysisSession) (*domain.AnalysisSession, error) {
		if cur == nil {
			return nil, domain.ErrSessionNotFound
		}
		return nil, nil
	})
}

// Update 合并进度字段。终止状态的会话拒绝更新。
func (a *Actor) Update(ctx context.Context, p Progress) (*domain.AnalysisSession, error) {
	return a.exec(ctx, func(cur *domain.AnalysisSession) (*domain.AnalysisSession, error) {
		if cur == nil {
			return nil, domain.ErrSessionNotFound
		}
		if cur.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionTerminal, cur.Status)
		}
		if p.LogsProcessed != nil {
			cur.LogsProcessed = *p.LogsProcessed
		}
		if p.CurrentStep != nil {
			cur.CurrentStep = *p.CurrentStep
		}
		if p.ErrorCount != nil {
			cur.ErrorCount = *p.ErrorCount
		}
		if p.WarningCount != nil {
			cur.WarningCount = *p.WarningCount
		}
		if p.InfoCount != nil {
			cur.InfoCount = *p.InfoCount
		}
		return cur, nil
	})
}

// Complete 记录分析结果并置为 completed。
// 已完成的会话重放是空操作；已失败的会话返回 ErrSessionTerminal。
func (a *Actor) Complete(ctx context.Context, out Outcome) (*domain.AnalysisSession, error) {
	changed := false
	sess, err := a.exec(ctx, func(cur *domain.AnalysisSession) (*domain.AnalysisSession, error) {
		if cur == nil {
			return nil, domain.ErrSessionNotFound
		}
		switch cur.Status {
		case domain.SessionCompleted:
			return nil, nil
		case domain.SessionFailed:
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionTerminal, cur.Status)
		}
		now := a.now().UTC()
		cur.Status = domain.SessionCompleted
		cur.CurrentStep = "completed"
		cur.Summary = out.Summary
		cur.Patterns = out.Patterns
		cur.Recommendations = out.Recommendations
		cur.CompletedAt = &now
		changed = true
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		a.mirrorResult(ctx, sess)
	}
	return sess, nil
}

// Fail 置为 failed。错误信息只记录日志，不写入会话。
// 已失败的会话重放是空操作；已完成的会话返回 ErrSessionTerminal。
func (a *Actor) Fail(ctx context.Context, cause error) (*domain.AnalysisSession, error) {
	changed := false
	sess, err := a.exec(ctx, func(cur *domain.AnalysisSession) (*domain.AnalysisSession, error) {
		if cur == nil {
			return nil, domain.ErrSessionNotFound
		}
		switch cur.Status {
		case domain.SessionFailed:
			return nil, nil
		case domain.SessionCompleted:
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionTerminal, cur.Status)
		}
		now := a.now().UTC()
		cur.Status = domain.SessionFailed
		cur.CompletedAt = &now
		changed = true
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		a.logger.WithError(cause).WithField("session_id", a.id).Warn("Analysis session failed")
		a.mirrorResult(ctx, sess)
	}
	return sess, nil
}

func (a *Actor) mirrorResult(ctx context.Context, sess *domain.AnalysisSession) {
	if err := a.mirror.UpdateSessionResult(ctx, sess); err != nil {
		a.logger.WithError(err).WithField("session_id", a.id).Warn("Failed to mirror session result")
	}
}
