package handlers

import (
	"github.com/feichai0017/document-pipeline/internal/service/pipeline"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

type Config struct {
	MaxUploadSize int64
	Stream        ProgressStreamConfig
	HealthChecks  map[string]HealthCheck
}

type Handlers struct {
	Document *DocumentHandler
	Progress *ProgressStreamHandler
	Health   *HealthHandler
}

func NewHandlers(
	service pipeline.DocumentPipeline,
	jobs jobstore.Store,
	cfg Config,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		Document: NewDocumentHandler(service, cfg.MaxUploadSize, log),
		Progress: NewProgressStreamHandler(jobs, cfg.Stream, log),
		Health:   NewHealthHandler(cfg.HealthChecks),
	}
}
