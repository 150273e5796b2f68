package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrObjectNotFound 表示对象不存在
var ErrObjectNotFound = errors.New("archive object not found")

// BlobStore 是归档所需的对象存储能力，键是路径形式的字符串
type BlobStore interface {
	// Put 写入对象，contentMeta 作为对象的元数据保存
	Put(ctx context.Context, key string, data []byte, contentMeta map[string]string) error
	// Get 读取对象，不存在时返回 ErrObjectNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete 删除对象，对象不存在时不返回错误
	Delete(ctx context.Context, key string) error
	// Close 释放底层资源
	Close() error
}

// FileBlobStore 基于本地目录的对象存储。
// 对象元数据写入同名的 .meta.json 旁路文件。
type FileBlobStore struct {
	root string
}

// NewFileBlobStore 创建本地目录对象存储
func NewFileBlobStore(root string) (*FileBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileBlobStore{root: root}, nil
}

func (f *FileBlobStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

// Put 先写临时文件再重命名，保证读者看不到写了一半的对象
func (f *FileBlobStore) Put(ctx context.Context, key string, data []byte, contentMeta map[string]string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}

	if len(contentMeta) > 0 {
		meta, _ := json.Marshal(contentMeta)
		if err := os.WriteFile(p+".meta.json", meta, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Get 读取对象
func (f *FileBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return data, err
}

// Delete 删除对象及其元数据文件
func (f *FileBlobStore) Delete(ctx context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(p + ".meta.json"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close 无需释放资源
func (f *FileBlobStore) Close() error { return nil }
