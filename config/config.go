// Package config loads service settings from an optional YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/feichai0017/document-pipeline/internal/agent"
	"github.com/feichai0017/document-pipeline/internal/agent/document/image"
	"github.com/feichai0017/document-pipeline/internal/agent/embedding"
	"github.com/feichai0017/document-pipeline/internal/service/pipeline"
	"github.com/feichai0017/document-pipeline/internal/utils/validator"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	"github.com/feichai0017/document-pipeline/pkg/jobstore/backends"
	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/queue"
	"github.com/feichai0017/document-pipeline/pkg/storage"
	"github.com/feichai0017/document-pipeline/pkg/worker"
)

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	MaxUploadSize   int64         `yaml:"maxUploadSize"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// PingInterval is how often progress websockets are pinged.
	PingInterval    time.Duration `yaml:"pingInterval"`
}

type PDFConfig struct {
	MaxWorkers int `yaml:"maxWorkers"`
}

// Config 服务配置
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Log       logger.Config             `yaml:"log"`
	JobStore  backends.Config           `yaml:"jobStore"`
	Storage   storage.Config            `yaml:"storage"`
	Queue     queue.QueueConfig         `yaml:"queue"`
	Worker    worker.Config             `yaml:"worker"`
	Service   pipeline.ServiceConfig    `yaml:"service"`
	Validator validator.ValidatorConfig `yaml:"validator"`
	PDF       PDFConfig                 `yaml:"pdf"`
	Textract  image.TextractConfig      `yaml:"textract"`
	Ollama    embedding.OllamaConfig    `yaml:"ollama"`
	Embed     agent.EmbedConfig         `yaml:"embed"`
}

var (
	once    sync.Once
	loaded  *Config
	errLoad error
)

// Get loads the configuration once per process.
func Get() (*Config, error) {
	once.Do(func() {
		loaded, errLoad = Load()
	})
	return loaded, errLoad
}

// Default returns the settings used for anything not configured.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:3000"},
			MaxUploadSize:   100 << 20,
			ShutdownTimeout: 10 * time.Second,
			PingInterval:    30 * time.Second,
		},
		Log: logger.DefaultConfig(),
		JobStore: backends.Config{
			Driver: jobstore.TypeRedis,
		},
		Storage: storage.Config{
			Type: storage.StorageTypeMinio,
		},
		Queue: queue.QueueConfig{
			RedisAddr:      "localhost:6379",
			MaxRetries:     3,
			ProcessTimeout: 30 * time.Minute,
			Retention:      24 * time.Hour,
		},
		Worker: worker.Config{
			Concurrency: 10,
			CleanupSpec: "@daily",
		},
		Service:   *pipeline.DefaultServiceConfig(),
		Validator: *validator.DefaultConfig(),
		PDF:       PDFConfig{MaxWorkers: 4},
		Textract: image.TextractConfig{
			Region:       "us-east-1",
			MaxDimension: 3000,
		},
		Ollama: embedding.OllamaConfig{
			Endpoint:    "http://localhost:11434",
			Model:       "nomic-embed-text",
			Timeout:     120 * time.Second,
			MaxPoolSize: 4,
			PoolTimeout: 30 * time.Second,
		},
		Embed: agent.EmbedConfig{
			ChunkSize:    1000,
			ChunkOverlap: 200,
			Concurrency:  4,
		},
	}
}

// Load builds a Config from the defaults, the YAML file named by
// CONFIG_FILE and the environment. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load(envFile())

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envFile 返回项目根目录下的 .env 路径
func envFile() string {
	if path := os.Getenv("ENV_FILE"); path != "" {
		return path
	}
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filepath.Dir(filename)), ".env")
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setList(&cfg.Server.AllowedOrigins, "CORS_ALLOWED_ORIGINS")

	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Encoding, "LOG_ENCODING")

	if v := os.Getenv("JOBSTORE_DRIVER"); v != "" {
		cfg.JobStore.Driver = jobstore.Type(v)
	}
	setString(&cfg.JobStore.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.JobStore.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.JobStore.Redis.DB, "REDIS_DB")
	setString(&cfg.JobStore.Postgres.DSN, "DATABASE_URL")

	setString(&cfg.Queue.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Queue.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Queue.RedisDB, "QUEUE_REDIS_DB")

	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = storage.StorageType(v)
	}
	setString(&cfg.Storage.S3.BucketName, "AWS_S3_BUCKET_NAME")
	setString(&cfg.Storage.S3.Region, "AWS_REGION")
	setString(&cfg.Storage.S3.Endpoint, "AWS_ENDPOINT")
	setString(&cfg.Storage.S3.AccessKey, "AWS_ACCESS_KEY")
	setString(&cfg.Storage.S3.SecretKey, "AWS_SECRET_KEY")
	setString(&cfg.Storage.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.Storage.Minio.SecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.Storage.Minio.Endpoint, "MINIO_ENDPOINT")
	setString(&cfg.Storage.Minio.Region, "MINIO_REGION")
	setString(&cfg.Storage.Minio.BucketName, "MINIO_BUCKET_NAME")
	setBool(&cfg.Storage.Minio.UseSSL, "MINIO_USE_SSL")

	setString(&cfg.Textract.Region, "AWS_REGION")
	setString(&cfg.Textract.Endpoint, "AWS_ENDPOINT")
	setString(&cfg.Textract.AccessKey, "AWS_ACCESS_KEY")
	setString(&cfg.Textract.SecretKey, "AWS_SECRET_KEY")

	setString(&cfg.Ollama.Endpoint, "OLLAMA_ENDPOINT")
	setString(&cfg.Ollama.Model, "OLLAMA_MODEL")

	setInt(&cfg.Worker.Concurrency, "WORKER_CONCURRENCY")
	setString(&cfg.Worker.CleanupSpec, "CLEANUP_SPEC")
}

// Validate reports settings that would make the services fail later.
func (c *Config) Validate() error {
	switch c.JobStore.Driver {
	case jobstore.TypeMemory:
	case jobstore.TypeRedis:
		if c.JobStore.Redis.Addr == "" {
			c.JobStore.Redis.Addr = c.Queue.RedisAddr
		}
	case jobstore.TypePostgres:
		if c.JobStore.Postgres.DSN == "" {
			return fmt.Errorf("jobStore.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown job store driver %q", c.JobStore.Driver)
	}

	switch c.Storage.Type {
	case storage.StorageTypeMemory:
	case storage.StorageTypeS3:
		if c.Storage.S3.BucketName == "" {
			return fmt.Errorf("storage.s3.bucketName is required")
		}
	case storage.StorageTypeMinio:
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.BucketName == "" {
			return fmt.Errorf("storage.minio endpoint and bucketName are required")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	if c.Queue.RedisAddr == "" {
		return fmt.Errorf("queue.redisAddr is required")
	}
	if c.Embed.ChunkOverlap >= c.Embed.ChunkSize {
		return fmt.Errorf("embed.chunkOverlap must be smaller than embed.chunkSize")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
