package worker

import (
	"context"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/document-pipeline/pkg/logger"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type Config struct {
	Concurrency int            `yaml:"concurrency"`
	Queues      map[string]int `yaml:"queues"`
	// CleanupSpec is the cron spec of the artifact cleanup task; empty
	// disables it.
	CleanupSpec string `yaml:"cleanupSpec"`
}

type BaseWorker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    logger.Logger
	stopOnce  sync.Once
	stopChan  chan struct{}
}

// Done is closed once Stop has run.
func (w *BaseWorker) Done() <-chan struct{} {
	return w.stopChan
}

func (w *BaseWorker) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
	})
	return nil
}
