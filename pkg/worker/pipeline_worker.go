package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/queue"
)

// StageRunner executes one stage of a document.
type StageRunner interface {
	// RunStage returns an error wrapping asynq.SkipRetry when the stage
	// failed for good and must not be retried.
	RunStage(ctx context.Context, task *queue.StageTask) error
	CleanupArtifacts(ctx context.Context) error
}

// PipelineWorker consumes stage tasks.
type PipelineWorker struct {
	BaseWorker
	runner StageRunner
	config *Config
}

func NewPipelineWorker(redisOpt asynq.RedisConnOpt, cfg *Config, runner StageRunner, log logger.Logger) *PipelineWorker {
	log = log.Named("worker")
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = queue.QueueWeights()
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      queues,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(n) * time.Minute
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Error("Task failed",
				logger.String("type", task.Type()),
				logger.Int("retried", retried),
				logger.Int("maxRetry", maxRetry),
				logger.Error(err),
			)
		}),
	})

	w := &PipelineWorker{
		BaseWorker: BaseWorker{
			server:   server,
			mux:      asynq.NewServeMux(),
			logger:   log,
			stopChan: make(chan struct{}),
		},
		runner: runner,
		config: cfg,
	}
	if cfg.CleanupSpec != "" {
		w.scheduler = asynq.NewScheduler(redisOpt, nil)
	}

	// 注册任务处理器
	w.registerHandlers()
	return w
}

// Handler exposes the task mux, mainly for tests.
func (w *PipelineWorker) Handler() asynq.Handler {
	return w.mux
}

func (w *PipelineWorker) registerHandlers() {
	w.mux.HandleFunc(queue.TaskTypeIngest, w.handleStage)
	w.mux.HandleFunc(queue.TaskTypeOCR, w.handleStage)
	w.mux.HandleFunc(queue.TaskTypeEmbed, w.handleStage)
	w.mux.HandleFunc(queue.TaskTypeCleanup, w.handleCleanup)
}

func (w *PipelineWorker) handleStage(ctx context.Context, t *asynq.Task) error {
	task, err := queue.ParseStageTask(t)
	if err != nil {
		w.logger.Error("Invalid stage task",
			logger.String("type", t.Type()),
			logger.String("payload", string(t.Payload())),
			logger.Error(err),
		)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	expected, err := queue.TaskTypeFor(task.Stage)
	if err != nil || expected != t.Type() {
		return fmt.Errorf("task type %s does not match stage %q: %w", t.Type(), task.Stage, asynq.SkipRetry)
	}

	w.logger.Info("Processing stage task",
		logger.String("documentId", task.DocumentID),
		logger.String("stage", string(task.Stage)),
	)
	start := time.Now()

	if err := w.runner.RunStage(ctx, task); err != nil {
		return err
	}

	w.logger.Info("Stage task completed",
		logger.String("documentId", task.DocumentID),
		logger.String("stage", string(task.Stage)),
		logger.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (w *PipelineWorker) handleCleanup(ctx context.Context, _ *asynq.Task) error {
	return w.runner.CleanupArtifacts(ctx)
}

func (w *PipelineWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}

	if w.scheduler != nil {
		if _, err := w.scheduler.Register(w.config.CleanupSpec, asynq.NewTask(queue.TaskTypeCleanup, nil),
			asynq.Queue(queue.QueueLow)); err != nil {
			w.server.Shutdown()
			return fmt.Errorf("failed to register cleanup task: %w", err)
		}
		if err := w.scheduler.Start(); err != nil {
			w.server.Shutdown()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopChan:
		}
	}()

	return nil
}
