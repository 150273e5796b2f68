// Package config 提供了日志管道的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如密码和密钥）。
// 配置包含了服务器、存储、归档、队列、摄取、清理、分析、日志、指标和遥测等多个方面的设置。
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Server 服务器配置，包括 HTTP 端口等
	Server ServerConfig `yaml:"server"`
	// Storage 存储配置，包括 PostgreSQL 和 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Archive 归档存储配置
	Archive ArchiveConfig `yaml:"archive"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Ingestion 摄取配置
	Ingestion IngestionConfig `yaml:"ingestion"`
	// Cleanup 清理任务配置
	Cleanup CleanupConfig `yaml:"cleanup"`
	// Analysis 分析工作流配置
	Analysis AnalysisConfig `yaml:"analysis"`
	// Inference 推理服务配置
	Inference InferenceConfig `yaml:"inference"`
	// Session 会话 Actor 配置
	Session SessionConfig `yaml:"session"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置结构体。
type ServerConfig struct {
	// HTTPPort HTTP API 服务端口
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig 存储配置结构体。
// 包含各种数据存储后端的配置。
type StorageConfig struct {
	// Driver 元数据存储驱动，可选值：postgres、memory
	// 默认值：postgres
	Driver string `yaml:"driver"`
	// Postgres PostgreSQL 数据库配置
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 配置
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
type PostgresConfig struct {
	// Host 数据库主机地址
	Host string `yaml:"host"`
	// Port 数据库端口号
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 LOGFLOW_POSTGRES_PASSWORD 或
	// LOGFLOW_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// SSLMode 连接的 sslmode 参数
	// 默认值：disable
	SSLMode string `yaml:"ssl_mode"`
	// MaxConnections 最大连接数
	MaxConnections int `yaml:"max_connections"`
	// AutoMigrate 启动时是否创建缺失的表和索引
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RedisConfig Redis 配置结构体。
type RedisConfig struct {
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 LOGFLOW_REDIS_PASSWORD 或
	// LOGFLOW_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
}

// ArchiveConfig 归档存储配置结构体。
type ArchiveConfig struct {
	// Backend 归档后端，可选值：gcs、file
	// 默认值：file
	Backend string `yaml:"backend"`
	// Bucket GCS 存储桶名称（Backend 为 gcs 时必填）
	Bucket string `yaml:"bucket"`
	// CredentialsFile GCS 服务账号凭据文件，为空时使用默认凭据
	CredentialsFile string `yaml:"credentials_file"`
	// Dir 本地归档目录（Backend 为 file 时使用）
	// 默认值：/var/lib/logflow/archive
	Dir string `yaml:"dir"`
	// Prefix 对象键前缀
	// 默认值：logs
	Prefix string `yaml:"prefix"`
}

// EventsConfig 事件配置结构体。
type EventsConfig struct {
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"
	NatsURL string `yaml:"nats_url"`
	// Stream JetStream 流名称
	// 默认值：ANALYSIS
	Stream string `yaml:"stream"`
	// Subject 分析请求主题
	// 默认值：analysis.requests
	Subject string `yaml:"subject"`
	// DeadLetterSubject 超过最大投递次数后转发的主题
	// 默认值：analysis.dlq
	DeadLetterSubject string `yaml:"dead_letter_subject"`
	// Durable 持久化消费者名称
	// 默认值：analysis-consumer
	Durable string `yaml:"durable"`
	// BatchSize 每次拉取的消息数
	// 默认值：10
	BatchSize int `yaml:"batch_size"`
	// MaxDeliver 单条消息的最大投递次数
	// 默认值：5
	MaxDeliver int `yaml:"max_deliver"`
	// AckWait 等待确认的超时时间，需要覆盖一次完整工作流执行
	// 默认值：10 分钟
	AckWait time.Duration `yaml:"ack_wait"`
	// RetryBackoff 重新投递的基础退避时间
	// 默认值：5 秒
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// IngestionConfig 摄取配置结构体。
type IngestionConfig struct {
	// ArchiveTimeout 单次后台归档写入的超时时间
	// 默认值：30 秒
	ArchiveTimeout time.Duration `yaml:"archive_timeout"`
	// DailyCapEnabled 是否启用按服务的每日摄取上限
	DailyCapEnabled bool `yaml:"daily_cap_enabled"`
}

// CleanupConfig 清理任务配置结构体。
type CleanupConfig struct {
	// Enabled 是否启用定时清理
	Enabled bool `yaml:"enabled"`
	// Schedule cron 表达式（支持秒）
	// 默认值：0 0 3 * * *（每天 03:00）
	Schedule string `yaml:"schedule"`
	// DefaultTTLDays 全局默认保留天数
	// 默认值：30
	DefaultTTLDays int `yaml:"default_ttl_days"`
	// BatchSize 每批删除的记录数
	// 默认值：1000
	BatchSize int `yaml:"batch_size"`
}

// AnalysisConfig 分析工作流配置结构体。
type AnalysisConfig struct {
	// Enabled 是否启用分析
	Enabled bool `yaml:"enabled"`
	// MaxLogs 单次分析读取的最大日志数
	// 默认值：10000
	MaxLogs int `yaml:"max_logs"`
	// MaxTokens 推理请求的最大 token 数
	// 默认值：1024
	MaxTokens int `yaml:"max_tokens"`
	// Schedule 定时分析的 cron 表达式，为空表示不启用
	Schedule string `yaml:"schedule"`
	// ScheduledWindow 定时分析覆盖的时间窗口
	// 默认值：1 小时
	ScheduledWindow time.Duration `yaml:"scheduled_window"`
}

// InferenceConfig 推理服务配置结构体。
type InferenceConfig struct {
	// Endpoint OpenAI 兼容的 chat completions 地址
	Endpoint string `yaml:"endpoint"`
	// Model 模型名称
	Model string `yaml:"model"`
	// APIKey 访问密钥，可通过环境变量 LOGFLOW_INFERENCE_API_KEY 或 *_FILE 覆盖
	APIKey string `yaml:"api_key"`
	// Timeout 单次请求超时时间
	// 默认值：60 秒
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig 会话 Actor 配置结构体。
type SessionConfig struct {
	// StateTTL 会话状态在 Redis 中的保留时间
	// 默认值：7 天
	StateTTL time.Duration `yaml:"state_ttl"`
	// DistributedLock 多实例部署时是否启用 Redis 租约保证单写者
	DistributedLock bool `yaml:"distributed_lock"`
	// LockTTL 租约时长
	// 默认值：30 秒
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址（如 "tempo:4317"）
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：logflowd
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、staging、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 配置内容，应用默认值和环境变量覆盖
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖。
// 支持两种方式：
// 1. 直接设置环境变量（如 LOGFLOW_POSTGRES_PASSWORD）
// 2. 通过 _FILE 后缀指定包含密钥的文件路径（如 LOGFLOW_POSTGRES_PASSWORD_FILE）
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFileAny(
		[]string{"LOGFLOW_POSTGRES_PASSWORD"},
		[]string{"LOGFLOW_POSTGRES_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"LOGFLOW_REDIS_PASSWORD"},
		[]string{"LOGFLOW_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"LOGFLOW_INFERENCE_API_KEY"},
		[]string{"LOGFLOW_INFERENCE_API_KEY_FILE"},
	); v != "" {
		c.Inference.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LOGFLOW_NATS_URL")); v != "" {
		c.Events.NatsURL = v
	}
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

// applyDefaults 应用默认配置值。
func (c *Config) applyDefaults() {
	// HTTP 端口默认为 8080
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	// 优雅关闭超时默认为 30 秒
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	if c.Storage.Postgres.MaxConnections == 0 {
		c.Storage.Postgres.MaxConnections = 20
	}
	// 归档后端默认为本地文件
	if c.Archive.Backend == "" {
		c.Archive.Backend = "file"
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = "/var/lib/logflow/archive"
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "logs"
	}
	if c.Events.Stream == "" {
		c.Events.Stream = "ANALYSIS"
	}
	if c.Events.Subject == "" {
		c.Events.Subject = "analysis.requests"
	}
	if c.Events.DeadLetterSubject == "" {
		c.Events.DeadLetterSubject = "analysis.dlq"
	}
	if c.Events.Durable == "" {
		c.Events.Durable = "analysis-consumer"
	}
	if c.Events.BatchSize == 0 {
		c.Events.BatchSize = 10
	}
	// 最大投递次数默认为 5，超过后进入死信主题
	if c.Events.MaxDeliver == 0 {
		c.Events.MaxDeliver = 5
	}
	if c.Events.AckWait == 0 {
		c.Events.AckWait = 10 * time.Minute
	}
	if c.Events.RetryBackoff == 0 {
		c.Events.RetryBackoff = 5 * time.Second
	}
	if c.Ingestion.ArchiveTimeout == 0 {
		c.Ingestion.ArchiveTimeout = 30 * time.Second
	}
	if c.Cleanup.Schedule == "" {
		c.Cleanup.Schedule = "0 0 3 * * *"
	}
	// 默认保留 30 天
	if c.Cleanup.DefaultTTLDays == 0 {
		c.Cleanup.DefaultTTLDays = 30
	}
	if c.Cleanup.BatchSize == 0 {
		c.Cleanup.BatchSize = 1000
	}
	if c.Analysis.MaxLogs == 0 {
		c.Analysis.MaxLogs = 10000
	}
	if c.Analysis.MaxTokens == 0 {
		c.Analysis.MaxTokens = 1024
	}
	if c.Analysis.ScheduledWindow == 0 {
		c.Analysis.ScheduledWindow = time.Hour
	}
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = 60 * time.Second
	}
	if c.Session.StateTTL == 0 {
		c.Session.StateTTL = 7 * 24 * time.Hour
	}
	if c.Session.LockTTL == 0 {
		c.Session.LockTTL = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "logflow"
	}
	// 遥测服务名称默认为 logflowd
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "logflowd"
	}
	// OTLP 端点默认为 tempo:4317
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	// 环境标识默认为 development
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
