package domain

import "time"

// AnalysisKind 分析请求类型
type AnalysisKind string

const (
	// AnalysisOnDemand 用户按需发起
	AnalysisOnDemand AnalysisKind = "on-demand"
	// AnalysisScheduled 定时任务发起
	AnalysisScheduled AnalysisKind = "scheduled"
	// AnalysisGlobal 跨所有服务的分析
	AnalysisGlobal AnalysisKind = "global"
)

// Valid 检查分析类型是否合法
func (k AnalysisKind) Valid() bool {
	switch k {
	case AnalysisOnDemand, AnalysisScheduled, AnalysisGlobal:
		return true
	default:
		return false
	}
}

// AnalysisRequest 分析请求参数
type AnalysisRequest struct {
	Kind    AnalysisKind `json:"kind"`
	Service string       `json:"service"`
	// Start 起始时间（毫秒，包含）
	Start int64 `json:"start"`
	// End 结束时间（毫秒，不包含）
	End    int64  `json:"end"`
	Search string `json:"search,omitempty"`
}

// Validate 校验分析请求，空类型默认为 on-demand
func (r *AnalysisRequest) Validate() error {
	if r.Kind == "" {
		r.Kind = AnalysisOnDemand
	}
	if !r.Kind.Valid() {
		return ErrInvalidAnalysisKind
	}
	if r.Kind != AnalysisGlobal && !ValidServiceName(r.Service) {
		return NewValidationError("service", "service name must match ^[A-Za-z0-9_-]+$")
	}
	if r.Start >= r.End {
		return ErrInvalidTimeRange
	}
	return nil
}

// AnalysisQueueMessage 投递到分析队列的消息，ID 即会话 ID
type AnalysisQueueMessage struct {
	ID        string       `json:"id"`
	Kind      AnalysisKind `json:"kind"`
	Service   string       `json:"service"`
	Start     int64        `json:"start"`
	End       int64        `json:"end"`
	Search    string       `json:"search,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// SessionStatus 分析会话状态
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal 检查状态是否为终止状态
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// AnalysisSession 一次带时间范围的日志分析执行
type AnalysisSession struct {
	ID      string        `json:"id"`
	Kind    AnalysisKind  `json:"kind,omitempty"`
	Service string        `json:"service"`
	Start   int64         `json:"start"`
	End     int64         `json:"end"`
	Search  string        `json:"search,omitempty"`
	Status  SessionStatus `json:"status"`
	// LogsProcessed 已读取的日志条数
	LogsProcessed int `json:"logs_processed"`
	// CurrentStep 当前执行步骤
	CurrentStep  string `json:"current_step,omitempty"`
	ErrorCount   int    `json:"error_count"`
	WarningCount int    `json:"warning_count"`
	InfoCount    int    `json:"info_count"`
	// Summary 分析摘要
	Summary         string     `json:"summary,omitempty"`
	Patterns        []string   `json:"patterns,omitempty"`
	Recommendations []string   `json:"recommendations,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal 检查会话是否已终止
func (s *AnalysisSession) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// TrackingStatus 队列跟踪状态
type TrackingStatus string

const (
	TrackingQueued     TrackingStatus = "queued"
	TrackingProcessing TrackingStatus = "processing"
	// TrackingRetrying 本次处理失败，消息已安排重新投递
	TrackingRetrying  TrackingStatus = "retrying"
	TrackingCompleted TrackingStatus = "completed"
	// TrackingFailed 终止状态，不会再有投递
	TrackingFailed TrackingStatus = "failed"
)

// AnalysisTracking 队列消息处理生命周期的持久化记录，独立于会话 Actor
type AnalysisTracking struct {
	SessionID   string         `json:"session_id"`
	Kind        AnalysisKind   `json:"kind"`
	Service     string         `json:"service"`
	Status      TrackingStatus `json:"status"`
	RetryCount  int            `json:"retry_count"`
	Error       string         `json:"error,omitempty"`
	QueuedAt    time.Time      `json:"queued_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
