package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSBlobStore 基于 Google Cloud Storage 的对象存储
type GCSBlobStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCSBlobStore 创建 GCS 对象存储，credentialsFile 为空时使用默认凭据
func NewGCSBlobStore(ctx context.Context, bucket, credentialsFile string) (*GCSBlobStore, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket is required for gcs backend")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: client.Bucket(bucket)}, nil
}

// Put 写入对象并设置内容元数据
func (g *GCSBlobStore) Put(ctx context.Context, key string, data []byte, contentMeta map[string]string) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	w.ContentEncoding = contentMeta["encoding"]
	w.Metadata = contentMeta

	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Get 读取对象，不存在时返回 ErrObjectNotFound
func (g *GCSBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).ReadCompressed(true).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Delete 删除对象；对象不存在视为成功
func (g *GCSBlobStore) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(key).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// Close 关闭 GCS 客户端
func (g *GCSBlobStore) Close() error {
	return g.client.Close()
}
