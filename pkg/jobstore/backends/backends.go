// Package backends opens a job store by driver name.
package backends

import (
	"context"
	"fmt"

	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	"github.com/feichai0017/document-pipeline/pkg/jobstore/memory"
	"github.com/feichai0017/document-pipeline/pkg/jobstore/pgstore"
	"github.com/feichai0017/document-pipeline/pkg/jobstore/redisstore"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

type Config struct {
	Driver   jobstore.Type     `yaml:"driver"`
	Redis    redisstore.Config `yaml:"redis"`
	Postgres pgstore.Config    `yaml:"postgres"`
}

// Open 创建任务记录存储实例的工厂方法
func Open(ctx context.Context, cfg *Config, log logger.Logger) (jobstore.ReadWriter, error) {
	switch cfg.Driver {
	case jobstore.TypeMemory, "":
		return memory.New(), nil
	case jobstore.TypeRedis:
		store, err := redisstore.New(ctx, &cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case jobstore.TypePostgres:
		store, err := pgstore.Open(ctx, &cfg.Postgres, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported job store driver: %s", cfg.Driver)
	}
}
