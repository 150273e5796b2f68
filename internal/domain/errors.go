// Package domain 定义了日志摄取与分析管道的核心领域模型。
package domain

import (
	"errors"
	"fmt"
)

// 领域错误定义
// 这些错误用于在应用程序的不同层之间传递业务逻辑相关的错误信息。

var (
	// ========== 日志相关错误 ==========

	// ErrLogNotFound 表示请求的日志记录不存在
	ErrLogNotFound = errors.New("log record not found")
	// ErrValidation 是所有校验错误的根错误，可通过 errors.Is 判断
	ErrValidation = errors.New("validation failed")
	// ErrDailyCapExceeded 表示服务当日的摄取量已达上限
	ErrDailyCapExceeded = errors.New("daily ingestion cap exceeded")

	// ========== 存储相关错误 ==========

	// ErrStorageConnection 表示存储连接错误（如数据库连接失败）
	ErrStorageConnection = errors.New("storage connection error")
	// ErrStorageQuery 表示存储查询错误（如 SQL 查询失败）
	ErrStorageQuery = errors.New("storage query error")
	// ErrArchive 表示归档存储不可用，该错误只记录日志，不会导致摄取失败
	ErrArchive = errors.New("archive store error")

	// ========== 服务配置相关错误 ==========

	// ErrServiceConfigNotFound 表示服务没有显式配置
	ErrServiceConfigNotFound = errors.New("service config not found")

	// ========== 分析会话相关错误 ==========

	// ErrSessionNotFound 表示会话从未启动
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminal 表示会话已处于终止状态，不允许再变更
	ErrSessionTerminal = errors.New("session is in a terminal state")
	// ErrInvalidTimeRange 表示分析时间范围无效
	ErrInvalidTimeRange = errors.New("invalid time range: start must be before end")
	// ErrInvalidAnalysisKind 表示分析类型无效
	ErrInvalidAnalysisKind = errors.New("invalid analysis kind")
	// ErrAnalysisDisabled 表示分析功能已被禁用
	ErrAnalysisDisabled = errors.New("analysis is disabled")

	// ========== 队列与推理相关错误 ==========

	// ErrTrackingNotFound 表示队列跟踪记录不存在
	ErrTrackingNotFound = errors.New("analysis tracking row not found")
	// ErrInference 表示推理服务不可用或返回无法解析的结果
	ErrInference = errors.New("inference failed")
)

// ValidationError 表示输入数据不满足结构约束。
// 校验错误总是直接返回给调用方，永远不会重试。
type ValidationError struct {
	// Field 出错的字段
	Field string
	// Reason 错误原因
	Reason string
}

// NewValidationError 创建校验错误
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap 使 errors.Is(err, ErrValidation) 成立
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// IsValidation 判断错误是否为校验错误
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// StoreError 包装元数据存储的失败，对所在操作是致命的。
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("metadata store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
