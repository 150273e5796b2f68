// Package archive 负责日志完整副本的长期归档。
// 每条记录序列化为 JSON 后经 zstd 压缩写入对象存储，
// 对象键由服务名、日志日期和记录 ID 确定性推导。
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/oriys/logflow/internal/config"
	"github.com/oriys/logflow/internal/domain"
)

// Archive 日志归档存储
type Archive struct {
	blobs  BlobStore
	prefix string
}

// New 基于已有的对象存储创建归档
func New(blobs BlobStore, prefix string) *Archive {
	if prefix == "" {
		prefix = "logs"
	}
	return &Archive{blobs: blobs, prefix: prefix}
}

// Open 根据配置创建对象存储后端
func Open(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	var (
		blobs BlobStore
		err   error
	)
	switch cfg.Backend {
	case "gcs":
		blobs, err = NewGCSBlobStore(ctx, cfg.Bucket, cfg.CredentialsFile)
	case "file", "":
		blobs, err = NewFileBlobStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return New(blobs, cfg.Prefix), nil
}

// KeyFor 返回记录的归档键：<prefix>/<service>/<YYYY>/<MM>/<DD>/<id>.json.zst
// 日期取自日志时间戳的 UTC 日期
func (a *Archive) KeyFor(service string, timestamp int64, id string) string {
	t := (&domain.LogRecord{Timestamp: timestamp}).Time()
	return path.Join(a.prefix, service, t.Format("2006"), t.Format("01"), t.Format("02"), id+".json.zst")
}

// Put 压缩并写入完整记录，返回对象键
func (a *Archive) Put(ctx context.Context, rec *domain.LogRecord) (string, error) {
	key := a.KeyFor(rec.Service, rec.Timestamp, rec.ID)

	// 归档副本不包含 archive_key 本身
	full := *rec
	full.ArchiveKey = nil
	data, err := json.Marshal(&full)
	if err != nil {
		return "", fmt.Errorf("%w: marshal record: %v", domain.ErrArchive, err)
	}

	meta := map[string]string{
		"encoding":  ContentEncoding,
		"service":   rec.Service,
		"level":     string(rec.Level),
		"timestamp": strconv.FormatInt(rec.Timestamp, 10),
	}
	if err := a.blobs.Put(ctx, key, Compress(data), meta); err != nil {
		return "", fmt.Errorf("%w: put %s: %v", domain.ErrArchive, key, err)
	}
	return key, nil
}

// Get 读取并解压归档记录；对象不存在时返回 nil, nil
func (a *Archive) Get(ctx context.Context, key string) (*domain.LogRecord, error) {
	data, err := a.blobs.Get(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", domain.ErrArchive, key, err)
	}

	raw, err := Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", domain.ErrArchive, key, err)
	}
	var rec domain.LogRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrArchive, key, err)
	}
	rec.ArchiveKey = &key
	return &rec, nil
}

// Delete 删除归档对象，重复删除是安全的
func (a *Archive) Delete(ctx context.Context, key string) error {
	if err := a.blobs.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", domain.ErrArchive, key, err)
	}
	return nil
}

// Close 关闭底层对象存储
func (a *Archive) Close() error {
	return a.blobs.Close()
}
