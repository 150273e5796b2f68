package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oriys/logflow/internal/domain"
)

// ==================== 分析队列跟踪 ====================

// CreateTracking 为新入队的分析消息创建跟踪记录
func (s *PostgresStore) CreateTracking(ctx context.Context, t *domain.AnalysisTracking) error {
	if t.QueuedAt.IsZero() {
		t.QueuedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_queue (session_id, kind, service, status, queued_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.SessionID, string(t.Kind), t.Service, string(t.Status), t.QueuedAt)
	if err != nil {
		return queryErr("create tracking", err)
	}
	return nil
}

// GetTracking 获取跟踪记录
func (s *PostgresStore) GetTracking(ctx context.Context, sessionID string) (*domain.AnalysisTracking, error) {
	var (
		t         domain.AnalysisTracking
		kind      string
		status    string
		errText   sql.NullString
		started   sql.NullTime
		completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, kind, service, status, retry_count, error, queued_at, started_at, completed_at
		FROM analysis_queue WHERE session_id = $1`, sessionID).
		Scan(&t.SessionID, &kind, &t.Service, &status, &t.RetryCount, &errText, &t.QueuedAt, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTrackingNotFound
	}
	if err != nil {
		return nil, queryErr("get tracking", err)
	}
	t.Kind = domain.AnalysisKind(kind)
	t.Status = domain.TrackingStatus(status)
	t.Error = errText.String
	t.StartedAt = nullTimePtr(started)
	t.CompletedAt = nullTimePtr(completed)
	return &t, nil
}

// MarkTrackingProcessing 标记消息开始处理并记录开始时间
func (s *PostgresStore) MarkTrackingProcessing(ctx context.Context, sessionID string, startedAt time.Time) error {
	return s.execTracking(ctx, "mark processing", `
		UPDATE analysis_queue SET status = $2, started_at = $3, error = NULL
		WHERE session_id = $1`, sessionID, string(domain.TrackingProcessing), startedAt)
}

// MarkTrackingCompleted 标记消息处理完成
func (s *PostgresStore) MarkTrackingCompleted(ctx context.Context, sessionID string, completedAt time.Time) error {
	return s.execTracking(ctx, "mark completed", `
		UPDATE analysis_queue SET status = $2, completed_at = $3
		WHERE session_id = $1`, sessionID, string(domain.TrackingCompleted), completedAt)
}

// MarkTrackingFailed 记录消息处理失败。
// retry 为 true 时消息会被重新投递：状态为 retrying 并累加重试次数；否则为终止的 failed。
func (s *PostgresStore) MarkTrackingFailed(ctx context.Context, sessionID, errMsg string, retry bool) error {
	if retry {
		return s.execTracking(ctx, "mark retrying", `
			UPDATE analysis_queue SET status = $2, error = $3, retry_count = retry_count + 1
			WHERE session_id = $1`, sessionID, string(domain.TrackingRetrying), errMsg)
	}
	return s.execTracking(ctx, "mark failed", `
		UPDATE analysis_queue SET status = $2, error = $3, completed_at = NOW()
		WHERE session_id = $1`, sessionID, string(domain.TrackingFailed), errMsg)
}

func (s *PostgresStore) execTracking(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return queryErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTrackingNotFound
	}
	return nil
}

// ==================== 会话镜像 ====================

const sessionColumns = `id, kind, service, range_start, range_end, search, status, logs_processed,
	error_count, warning_count, info_count, summary, patterns, recommendations, created_at, completed_at`

// InsertSession 插入会话镜像行，重复插入被忽略
func (s *PostgresStore) InsertSession(ctx context.Context, sess *domain.AnalysisSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_sessions (id, kind, service, range_start, range_end, search, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		sess.ID, string(sess.Kind), sess.Service, sess.Start, sess.End, sess.Search, string(sess.Status), sess.CreatedAt)
	if err != nil {
		return queryErr("insert session", err)
	}
	return nil
}

// UpdateSessionResult 在会话终止时一次性写入状态、计数和结果
func (s *PostgresStore) UpdateSessionResult(ctx context.Context, sess *domain.AnalysisSession) error {
	patterns, _ := json.Marshal(sess.Patterns)
	recs, _ := json.Marshal(sess.Recommendations)

	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_sessions SET
			status = $2, logs_processed = $3, error_count = $4, warning_count = $5, info_count = $6,
			summary = $7, patterns = $8, recommendations = $9, completed_at = $10
		WHERE id = $1`,
		sess.ID, string(sess.Status), sess.LogsProcessed, sess.ErrorCount, sess.WarningCount, sess.InfoCount,
		sess.Summary, patterns, recs, sess.CompletedAt)
	if err != nil {
		return queryErr("update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// GetSession 获取会话镜像行
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*domain.AnalysisSession, error) {
	var (
		sess      domain.AnalysisSession
		kind      string
		status    string
		search    sql.NullString
		summary   sql.NullString
		patterns  []byte
		recs      []byte
		completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM analysis_sessions WHERE id = $1`, id).
		Scan(&sess.ID, &kind, &sess.Service, &sess.Start, &sess.End, &search, &status, &sess.LogsProcessed,
			&sess.ErrorCount, &sess.WarningCount, &sess.InfoCount, &summary, &patterns, &recs,
			&sess.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, queryErr("get session", err)
	}
	sess.Kind = domain.AnalysisKind(kind)
	sess.Status = domain.SessionStatus(status)
	sess.Search = search.String
	sess.Summary = summary.String
	sess.CompletedAt = nullTimePtr(completed)
	if len(patterns) > 0 {
		_ = json.Unmarshal(patterns, &sess.Patterns)
	}
	if len(recs) > 0 {
		_ = json.Unmarshal(recs, &sess.Recommendations)
	}
	return &sess, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
