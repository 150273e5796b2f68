package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oriys/logflow/internal/domain"
)

// Store 是元数据存储需要提供的全部能力，PostgresStore 和 MemoryStore 均实现该接口
type Store interface {
	InsertLog(ctx context.Context, rec *domain.LogRecord) error
	GetLog(ctx context.Context, id string) (*domain.LogRecord, error)
	SetArchiveKey(ctx context.Context, id, key string) error
	QueryLogs(ctx context.Context, q domain.LogQuery) ([]*domain.LogRecord, error)
	ListServiceNames(ctx context.Context) ([]string, error)
	ListExpiredLogs(ctx context.Context, service string, cutoff int64, limit int) ([]*domain.LogRecord, error)
	DeleteLogs(ctx context.Context, ids []string) (int64, error)

	GetServiceConfig(ctx context.Context, service string) (*domain.ServiceConfig, error)
	UpsertServiceConfig(ctx context.Context, c *domain.ServiceConfig) error
	ListServiceConfigs(ctx context.Context) ([]*domain.ServiceConfig, error)

	CreateTracking(ctx context.Context, t *domain.AnalysisTracking) error
	GetTracking(ctx context.Context, sessionID string) (*domain.AnalysisTracking, error)
	MarkTrackingProcessing(ctx context.Context, sessionID string, startedAt time.Time) error
	MarkTrackingCompleted(ctx context.Context, sessionID string, completedAt time.Time) error
	MarkTrackingFailed(ctx context.Context, sessionID, errMsg string, retry bool) error

	InsertSession(ctx context.Context, sess *domain.AnalysisSession) error
	UpdateSessionResult(ctx context.Context, sess *domain.AnalysisSession) error
	GetSession(ctx context.Context, id string) (*domain.AnalysisSession, error)

	Ping(ctx context.Context) error
	Close() error
}

var errDuplicateKey = errors.New("duplicate key")

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// MemoryStore 进程内元数据存储。
// 所有返回值都是副本，调用方修改不会影响存储内容。
type MemoryStore struct {
	mu       sync.RWMutex
	logs     map[string]*domain.LogRecord
	configs  map[string]*domain.ServiceConfig
	tracking map[string]*domain.AnalysisTracking
	sessions map[string]*domain.AnalysisSession
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:     make(map[string]*domain.LogRecord),
		configs:  make(map[string]*domain.ServiceConfig),
		tracking: make(map[string]*domain.AnalysisTracking),
		sessions: make(map[string]*domain.AnalysisSession),
	}
}

func copyLog(r *domain.LogRecord) *domain.LogRecord {
	c := *r
	if r.ArchiveKey != nil {
		k := *r.ArchiveKey
		c.ArchiveKey = &k
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// InsertLog 写入日志记录的截断副本
func (m *MemoryStore) InsertLog(ctx context.Context, rec *domain.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.logs[rec.ID]; ok {
		return queryErr("insert log", errDuplicateKey)
	}
	c := copyLog(rec)
	c.Message = rec.StoredMessage()
	c.CreatedAt = time.Now()
	m.logs[rec.ID] = c
	return nil
}

// GetLog 根据 ID 获取日志记录
func (m *MemoryStore) GetLog(ctx context.Context, id string) (*domain.LogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.logs[id]
	if !ok {
		return nil, domain.ErrLogNotFound
	}
	return copyLog(rec), nil
}

// SetArchiveKey 回填归档键
func (m *MemoryStore) SetArchiveKey(ctx context.Context, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.logs[id]
	if !ok {
		return domain.ErrLogNotFound
	}
	rec.ArchiveKey = &key
	return nil
}

// QueryLogs 按服务和时间范围查询日志
func (m *MemoryStore) QueryLogs(ctx context.Context, q domain.LogQuery) ([]*domain.LogRecord, error) {
	m.mu.RLock()
	var out []*domain.LogRecord
	search := strings.ToLower(q.Search)
	for _, rec := range m.logs {
		if q.Service != "" && rec.Service != q.Service {
			continue
		}
		if rec.Timestamp < q.Start || rec.Timestamp >= q.End {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(rec.Message), search) {
			continue
		}
		out = append(out, copyLog(rec))
	}
	m.mu.RUnlock()

	sortByTimestamp(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListServiceNames 返回所有出现过的服务名称
func (m *MemoryStore) ListServiceNames(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range m.logs {
		seen[rec.Service] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListExpiredLogs 返回早于 cutoff 的最旧的 limit 条记录
func (m *MemoryStore) ListExpiredLogs(ctx context.Context, service string, cutoff int64, limit int) ([]*domain.LogRecord, error) {
	m.mu.RLock()
	var out []*domain.LogRecord
	for _, rec := range m.logs {
		if rec.Service == service && rec.Timestamp < cutoff {
			out = append(out, copyLog(rec))
		}
	}
	m.mu.RUnlock()

	sortByTimestamp(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteLogs 按 ID 集合删除日志
func (m *MemoryStore) DeleteLogs(ctx context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, id := range ids {
		if _, ok := m.logs[id]; ok {
			delete(m.logs, id)
			n++
		}
	}
	return n, nil
}

// LogCount 返回存储中的日志条数
func (m *MemoryStore) LogCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs)
}

func sortByTimestamp(recs []*domain.LogRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Timestamp == recs[j].Timestamp {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Timestamp < recs[j].Timestamp
	})
}

// GetServiceConfig 获取服务配置
func (m *MemoryStore) GetServiceConfig(ctx context.Context, service string) (*domain.ServiceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.configs[service]
	if !ok {
		return nil, domain.ErrServiceConfigNotFound
	}
	cp := *c
	return &cp, nil
}

// UpsertServiceConfig 创建或更新服务配置
func (m *MemoryStore) UpsertServiceConfig(ctx context.Context, c *domain.ServiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.configs[c.Service]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	m.configs[c.Service] = &cp
	return nil
}

// ListServiceConfigs 列出所有服务配置
func (m *MemoryStore) ListServiceConfigs(ctx context.Context) ([]*domain.ServiceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.ServiceConfig, 0, len(m.configs))
	for _, c := range m.configs {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// CreateTracking 创建跟踪记录
func (m *MemoryStore) CreateTracking(ctx context.Context, t *domain.AnalysisTracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tracking[t.SessionID]; ok {
		return queryErr("create tracking", errDuplicateKey)
	}
	if t.QueuedAt.IsZero() {
		t.QueuedAt = time.Now()
	}
	cp := *t
	m.tracking[t.SessionID] = &cp
	return nil
}

// GetTracking 获取跟踪记录
func (m *MemoryStore) GetTracking(ctx context.Context, sessionID string) (*domain.AnalysisTracking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tracking[sessionID]
	if !ok {
		return nil, domain.ErrTrackingNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) updateTracking(sessionID string, fn func(t *domain.AnalysisTracking)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tracking[sessionID]
	if !ok {
		return domain.ErrTrackingNotFound
	}
	fn(t)
	return nil
}

// MarkTrackingProcessing 标记开始处理
func (m *MemoryStore) MarkTrackingProcessing(ctx context.Context, sessionID string, startedAt time.Time) error {
	return m.updateTracking(sessionID, func(t *domain.AnalysisTracking) {
		t.Status = domain.TrackingProcessing
		t.StartedAt = &startedAt
		t.Error = ""
	})
}

// MarkTrackingCompleted 标记处理完成
func (m *MemoryStore) MarkTrackingCompleted(ctx context.Context, sessionID string, completedAt time.Time) error {
	return m.updateTracking(sessionID, func(t *domain.AnalysisTracking) {
		t.Status = domain.TrackingCompleted
		t.CompletedAt = &completedAt
	})
}

// MarkTrackingFailed 记录处理失败。
// retry 为 true 时消息会被重新投递：状态为 retrying 并累加重试次数；否则为终止的 failed。
func (m *MemoryStore) MarkTrackingFailed(ctx context.Context, sessionID, errMsg string, retry bool) error {
	return m.updateTracking(sessionID, func(t *domain.AnalysisTracking) {
		t.Error = errMsg
		if retry {
			t.Status = domain.TrackingRetrying
			t.RetryCount++
			return
		}
		now := time.Now()
		t.Status = domain.TrackingFailed
		t.CompletedAt = &now
	})
}

func copySession(s *domain.AnalysisSession) *domain.AnalysisSession {
	c := *s
	c.Patterns = append([]string(nil), s.Patterns...)
	c.Recommendations = append([]string(nil), s.Recommendations...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// InsertSession 插入会话镜像，重复插入被忽略
func (m *MemoryStore) InsertSession(ctx context.Context, sess *domain.AnalysisSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.ID]; ok {
		return nil
	}
	m.sessions[sess.ID] = copySession(sess)
	return nil
}

// UpdateSessionResult 写入会话终态
func (m *MemoryStore) UpdateSessionResult(ctx context.Context, sess *domain.AnalysisSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.ID]; !ok {
		return domain.ErrSessionNotFound
	}
	m.sessions[sess.ID] = copySession(sess)
	return nil
}

// GetSession 获取会话镜像
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*domain.AnalysisSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(s), nil
}

// Ping 内存存储始终可用
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close 内存存储无需释放资源
func (m *MemoryStore) Close() error { return nil }
