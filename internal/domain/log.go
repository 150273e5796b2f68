// Package domain 定义了日志摄取与分析管道的核心领域模型。
package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Level 表示日志级别。
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// levelAliases 日志级别别名映射
var levelAliases = map[string]Level{
	"WARNING": LevelWarn,
	"FATAL":   LevelCritical,
	"TRACE":   LevelDebug,
}

// NormalizeLevel 规范化日志级别。
// 先统一转换为大写并处理别名（WARNING→WARN、FATAL→CRITICAL、TRACE→DEBUG），
// 其余值保持大写原样。第二个返回值表示结果是否属于可识别的级别集合。
func NormalizeLevel(raw string) (Level, bool) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	if alias, ok := levelAliases[upper]; ok {
		return alias, true
	}
	lvl := Level(upper)
	return lvl, lvl.Valid()
}

// Valid 检查级别是否属于可识别的集合
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCritical:
		return true
	default:
		return false
	}
}

// Source 表示日志来源
type Source string

const (
	// SourceHTTP 通过 HTTP API 提交
	SourceHTTP Source = "http"
	// SourceTailEvent 由日志尾随事件产生
	SourceTailEvent Source = "tail-event"
	// SourceInternal 由系统内部生成（例如清理任务的汇总记录）
	SourceInternal Source = "internal"
)

// 日志记录的约束常量
const (
	// MaxStoredMessageLength 元数据存储中消息的最大长度，超过部分会被截断
	MaxStoredMessageLength = 1000
	// LongMessageWarnLength 消息超过该长度时发出警告（不是错误）
	LongMessageWarnLength = 10000
	// MaxMetadataBytes 元数据序列化后的最大字节数
	MaxMetadataBytes = 50 * 1024
	// MaxBatchSize 批量摄取的最大记录数
	MaxBatchSize = 1000
)

// serviceNamePattern 服务名称校验规则
var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidServiceName 检查服务名称是否合法
func ValidServiceName(name string) bool {
	return name != "" && serviceNamePattern.MatchString(name)
}

// LogRecord 表示一条结构化日志事件。
// 元数据存储保存截断后的副本，归档存储保存完整副本。
type LogRecord struct {
	// ID 唯一标识符，缺省时由摄取协调器生成
	ID string `json:"id"`
	// Service 产生日志的服务名称
	Service string `json:"service"`
	// Level 日志级别
	Level Level `json:"level"`
	// Message 日志正文
	Message string `json:"message"`
	// Timestamp 日志时间（毫秒时间戳），缺省为摄取时间
	Timestamp int64 `json:"timestamp"`
	// Metadata 任意键值元数据
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// Source 日志来源
	Source Source `json:"source,omitempty"`
	// ArchiveKey 归档对象键，归档写入完成前为空
	ArchiveKey *string `json:"archive_key,omitempty"`
	// CreatedAt 写入元数据存储的时间
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Time 返回记录时间戳对应的 UTC 时间
func (r *LogRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// Validate 校验日志记录的结构约束。
// 级别别名会先被规范化再进行枚举校验，但不会修改记录本身。
// 返回的 warnings 是非致命的提示（例如消息过长）。
func (r *LogRecord) Validate() ([]string, error) {
	if r.Service == "" {
		return nil, NewValidationError("service", "service name is required")
	}
	if !serviceNamePattern.MatchString(r.Service) {
		return nil, NewValidationError("service", "service name must match ^[A-Za-z0-9_-]+$")
	}
	if strings.TrimSpace(string(r.Level)) == "" {
		return nil, NewValidationError("level", "level is required")
	}
	if _, ok := NormalizeLevel(string(r.Level)); !ok {
		return nil, NewValidationError("level", fmt.Sprintf("unrecognized level %q", r.Level))
	}
	if r.Message == "" {
		return nil, NewValidationError("message", "message is required")
	}
	if len(r.Metadata) > 0 {
		data, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, NewValidationError("metadata", "metadata is not serializable: "+err.Error())
		}
		if len(data) > MaxMetadataBytes {
			return nil, NewValidationError("metadata", fmt.Sprintf("metadata exceeds %d bytes", MaxMetadataBytes))
		}
	}

	var warnings []string
	if len([]rune(r.Message)) > LongMessageWarnLength {
		warnings = append(warnings, fmt.Sprintf("message longer than %d characters", LongMessageWarnLength))
	}
	return warnings, nil
}

// StoredMessage 返回写入元数据存储的截断消息
func (r *LogRecord) StoredMessage() string {
	return TruncateMessage(r.Message, MaxStoredMessageLength)
}

// TruncateMessage 按字符数截断消息
func TruncateMessage(msg string, max int) string {
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max])
}

// ValidateBatchSize 校验批量摄取的记录数，必须在 1 到 MaxBatchSize 之间。
// 调用方应在触碰任何存储之前调用它。
func ValidateBatchSize(n int) error {
	if n == 0 {
		return NewValidationError("logs", "batch must contain at least one record")
	}
	if n > MaxBatchSize {
		return NewValidationError("logs", fmt.Sprintf("batch exceeds maximum of %d records", MaxBatchSize))
	}
	return nil
}

// BatchResult 批量摄取结果
type BatchResult struct {
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors"`
	IDs        []string `json:"ids,omitempty"`
}

// LogQuery 日志查询条件
type LogQuery struct {
	// Service 服务名称，为空表示所有服务
	Service string
	// Start 起始时间（毫秒，包含）
	Start int64
	// End 结束时间（毫秒，不包含）
	End int64
	// Search 可选的消息子串过滤
	Search string
	// Limit 返回的最大记录数
	Limit int
}
