// Package storage 提供元数据存储的实现。
// PostgresStore 基于 database/sql 与 lib/pq 驱动，保存日志的可查询副本、
// 服务配置、分析队列跟踪记录以及会话镜像；MemoryStore 提供同样的能力，
// 用于本地开发和测试。
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/oriys/logflow/internal/config"
	"github.com/oriys/logflow/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore PostgreSQL 元数据存储
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 根据配置建立数据库连接并验证连通性
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxConnections / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}

	s := &PostgresStore{db: db}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewPostgresStoreFromDB 使用已有连接创建存储
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate 创建缺失的表和索引
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: migrate: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// Ping 检查数据库连通性
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func queryErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageQuery, op, err)
}

// ==================== 日志记录 ====================

const logColumns = `id, service, level, message, timestamp, metadata, source, archive_key, created_at`

// InsertLog 写入日志记录的元数据副本，消息会被截断到 1000 个字符
func (s *PostgresStore) InsertLog(ctx context.Context, rec *domain.LogRecord) error {
	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return queryErr("insert log", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (id, service, level, message, timestamp, metadata, source, archive_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Service, string(rec.Level), rec.StoredMessage(), rec.Timestamp,
		nullableJSON(meta), string(rec.Source), rec.ArchiveKey,
	)
	if err != nil {
		return queryErr("insert log", err)
	}
	return nil
}

// GetLog 根据 ID 获取日志记录
func (s *PostgresStore) GetLog(ctx context.Context, id string) (*domain.LogRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM logs WHERE id = $1`, id)
	rec, err := scanLog(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrLogNotFound
	}
	if err != nil {
		return nil, queryErr("get log", err)
	}
	return rec, nil
}

// SetArchiveKey 在归档写入完成后回填归档键
func (s *PostgresStore) SetArchiveKey(ctx context.Context, id, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE logs SET archive_key = $2 WHERE id = $1`, id, key)
	if err != nil {
		return queryErr("set archive key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLogNotFound
	}
	return nil
}

// QueryLogs 按服务和时间范围 [Start, End) 查询日志，按时间升序返回
func (s *PostgresStore) QueryLogs(ctx context.Context, q domain.LogQuery) ([]*domain.LogRecord, error) {
	var (
		conds = []string{"timestamp >= $1", "timestamp < $2"}
		args  = []interface{}{q.Start, q.End}
	)
	if q.Service != "" {
		args = append(args, q.Service)
		conds = append(conds, fmt.Sprintf("service = $%d", len(args)))
	}
	if q.Search != "" {
		args = append(args, "%"+escapeLike(q.Search)+"%")
		conds = append(conds, fmt.Sprintf("message ILIKE $%d", len(args)))
	}
	query := `SELECT ` + logColumns + ` FROM logs WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY timestamp ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr("query logs", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// ListServiceNames 返回元数据存储中出现过的所有服务名称
func (s *PostgresStore) ListServiceNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT service FROM logs ORDER BY service`)
	if err != nil {
		return nil, queryErr("list services", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, queryErr("list services", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListExpiredLogs 返回服务中时间早于 cutoff 的最旧的 limit 条记录
func (s *PostgresStore) ListExpiredLogs(ctx context.Context, service string, cutoff int64, limit int) ([]*domain.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+` FROM logs
		WHERE service = $1 AND timestamp < $2
		ORDER BY timestamp ASC
		LIMIT $3`, service, cutoff, limit)
	if err != nil {
		return nil, queryErr("list expired logs", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// DeleteLogs 一次性按 ID 集合删除日志记录
func (s *PostgresStore) DeleteLogs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, queryErr("delete logs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLog(row rowScanner) (*domain.LogRecord, error) {
	var (
		rec        domain.LogRecord
		level      string
		source     string
		meta       []byte
		archiveKey sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Service, &level, &rec.Message, &rec.Timestamp,
		&meta, &source, &archiveKey, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Level = domain.Level(level)
	rec.Source = domain.Source(source)
	if archiveKey.Valid {
		key := archiveKey.String
		rec.ArchiveKey = &key
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func scanLogs(rows *sql.Rows) ([]*domain.LogRecord, error) {
	var out []*domain.LogRecord
	for rows.Next() {
		rec, err := scanLog(rows)
		if err != nil {
			return nil, queryErr("scan log", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("scan log", err)
	}
	return out, nil
}

// ==================== 服务配置 ====================

// GetServiceConfig 获取服务的显式配置，没有配置时返回 ErrServiceConfigNotFound
func (s *PostgresStore) GetServiceConfig(ctx context.Context, service string) (*domain.ServiceConfig, error) {
	var c domain.ServiceConfig
	var class string
	err := s.db.QueryRowContext(ctx, `
		SELECT service, ttl_days, retention_class, alerting_enabled, daily_cap, created_at, updated_at
		FROM service_configs WHERE service = $1`, service).
		Scan(&c.Service, &c.TTLDays, &class, &c.AlertingEnabled, &c.DailyCap, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrServiceConfigNotFound
	}
	if err != nil {
		return nil, queryErr("get service config", err)
	}
	c.RetentionClass = domain.RetentionClass(class)
	return &c, nil
}

// UpsertServiceConfig 创建或更新服务配置
func (s *PostgresStore) UpsertServiceConfig(ctx context.Context, c *domain.ServiceConfig) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO service_configs (service, ttl_days, retention_class, alerting_enabled, daily_cap)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service) DO UPDATE SET
			ttl_days = EXCLUDED.ttl_days,
			retention_class = EXCLUDED.retention_class,
			alerting_enabled = EXCLUDED.alerting_enabled,
			daily_cap = EXCLUDED.daily_cap,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		c.Service, c.TTLDays, string(c.RetentionClass), c.AlertingEnabled, c.DailyCap,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return queryErr("upsert service config", err)
	}
	return nil
}

// ListServiceConfigs 列出所有显式的服务配置
func (s *PostgresStore) ListServiceConfigs(ctx context.Context) ([]*domain.ServiceConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, ttl_days, retention_class, alerting_enabled, daily_cap, created_at, updated_at
		FROM service_configs ORDER BY service`)
	if err != nil {
		return nil, queryErr("list service configs", err)
	}
	defer rows.Close()

	var out []*domain.ServiceConfig
	for rows.Next() {
		var c domain.ServiceConfig
		var class string
		if err := rows.Scan(&c.Service, &c.TTLDays, &class, &c.AlertingEnabled, &c.DailyCap, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, queryErr("list service configs", err)
		}
		c.RetentionClass = domain.RetentionClass(class)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
