package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/storage/memory"
	"github.com/feichai0017/document-pipeline/pkg/storage/minio"
	"github.com/feichai0017/document-pipeline/pkg/storage/s3"
)

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"
	StorageTypeMinio  StorageType = "minio"
	StorageTypeMemory StorageType = "memory"
)

// Storage 接口定义
type Storage interface {
	// Store 存储文件
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	// Get 获取文件
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete 删除文件
	Delete(ctx context.Context, key string) error
	// CleanupBefore 清理过期文件
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

type Config struct {
	Type  StorageType  `yaml:"type"`
	S3    s3.Config    `yaml:"s3"`
	Minio minio.Config `yaml:"minio"`
}

// NewStorage 创建存储实例的工厂方法
func NewStorage(ctx context.Context, cfg *Config, log logger.Logger) (Storage, error) {
	switch cfg.Type {
	case StorageTypeS3:
		store, err := s3.NewS3Storage(ctx, &cfg.S3, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StorageTypeMinio:
		store, err := minio.NewMinioStorage(ctx, &cfg.Minio, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StorageTypeMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// ReadAll fetches the whole object at key.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// UploadKey is where the original upload of a document is kept.
func UploadKey(documentID, fileName string) string {
	return fmt.Sprintf("documents/%s/original/%s", documentID, fileName)
}

// ArtifactKey is where a stage writes its result for a document.
func ArtifactKey(documentID, name string) string {
	return fmt.Sprintf("documents/%s/%s", documentID, name)
}
