package domain

import "time"

// RetentionClass 保留等级
type RetentionClass string

const (
	RetentionStandard RetentionClass = "standard"
	RetentionExtended RetentionClass = "extended"
	RetentionShort    RetentionClass = "short"
)

// ServiceConfig 单个服务的配置。
// 只在显式配置时惰性创建，未配置的服务使用 DefaultConfig。
type ServiceConfig struct {
	// Service 服务名称
	Service string `json:"service"`
	// TTLDays 日志保留天数
	TTLDays int `json:"ttl_days"`
	// RetentionClass 保留等级
	RetentionClass RetentionClass `json:"retention_class"`
	// AlertingEnabled 是否启用告警（启用后参与定时分析）
	AlertingEnabled bool `json:"alerting_enabled"`
	// DailyCap 每日摄取上限，0 表示不限制
	DailyCap int64 `json:"daily_cap"`
	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt 更新时间
	UpdatedAt time.Time `json:"updated_at"`
	// IsDefault 表示该配置由 DefaultConfig 推导，而不是显式保存的
	IsDefault bool `json:"is_default,omitempty"`
}

// DefaultConfig 全局默认配置
type DefaultConfig struct {
	// TTLDays 全局默认保留天数
	TTLDays int `json:"ttl_days"`
	// BatchSize 清理任务每批处理的记录数
	BatchSize int `json:"batch_size"`
	// AnalysisEnabled 是否启用分析
	AnalysisEnabled bool `json:"analysis_enabled"`
}

// Validate 校验服务配置
func (c *ServiceConfig) Validate() error {
	if !ValidServiceName(c.Service) {
		return NewValidationError("service", "service name must match ^[A-Za-z0-9_-]+$")
	}
	if c.TTLDays < 0 {
		return NewValidationError("ttl_days", "must not be negative")
	}
	if c.DailyCap < 0 {
		return NewValidationError("daily_cap", "must not be negative")
	}
	switch c.RetentionClass {
	case "":
		c.RetentionClass = RetentionStandard
	case RetentionStandard, RetentionExtended, RetentionShort:
	default:
		return NewValidationError("retention_class", "must be one of standard, extended, short")
	}
	return nil
}

// EffectiveServiceConfig 返回服务的有效配置：显式配置优先，否则由默认配置推导
func EffectiveServiceConfig(service string, override *ServiceConfig, defaults DefaultConfig) *ServiceConfig {
	if override != nil {
		return override
	}
	return &ServiceConfig{
		Service:        service,
		TTLDays:        defaults.TTLDays,
		RetentionClass: RetentionStandard,
		IsDefault:      true,
	}
}
