package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/document-pipeline/internal/agent"
	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/internal/progress"
	"github.com/feichai0017/document-pipeline/internal/utils/validator"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/queue"
	"github.com/feichai0017/document-pipeline/pkg/storage"
)

var (
	// ErrInvalidDocument is returned by Submit for uploads that fail validation.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrDocumentNotFound is returned for ids without job rows.
	ErrDocumentNotFound = errors.New("document not found")
)

const cancelledMessage = "Processing cancelled"

type ServiceConfig struct {
	QueuePriority   int           `yaml:"queuePriority"`
	MaxConcurrent   int           `yaml:"maxConcurrent"`
	StageTimeout    time.Duration `yaml:"stageTimeout"`
	RetentionPeriod time.Duration `yaml:"retentionPeriod"`
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		QueuePriority:   2,
		MaxConcurrent:   5,
		StageTimeout:    30 * time.Minute,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

var _ DocumentPipeline = (*Service)(nil)

type Service struct {
	executors *agent.Registry
	queue     queue.Queue
	storage   storage.Storage
	jobs      jobstore.ReadWriter
	validator *validator.DocumentValidator
	logger    logger.Logger
	config    *ServiceConfig
	now       func() time.Time
}

func NewService(
	executors *agent.Registry,
	q queue.Queue,
	store storage.Storage,
	jobs jobstore.ReadWriter,
	v *validator.DocumentValidator,
	log logger.Logger,
	cfg *ServiceConfig,
) *Service {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	return &Service{
		executors: executors,
		queue:     q,
		storage:   store,
		jobs:      jobs,
		validator: v,
		logger:    log.Named("pipeline"),
		config:    cfg,
		now:       time.Now,
	}
}

// Submit stores an upload, writes a queued row for every stage and schedules
// the first stage.
func (s *Service) Submit(ctx context.Context, file io.Reader, header *multipart.FileHeader) (*models.Document, error) {
	name := filepath.Base(header.Filename)
	s.logger.Info("Starting file processing",
		logger.String("filename", name),
		logger.Int64("size", header.Size),
	)

	if result := s.validator.ValidateHeader(name, header.Size); !result.IsValid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, result.Error())
	}

	doc := &models.Document{
		ID:          uuid.New().String(),
		FileName:    name,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		UploadedAt:  s.now().UTC(),
	}
	if mime, ok := agent.MIMEFromFilename(name); ok {
		if doc.ContentType == "" || doc.ContentType == "application/octet-stream" {
			doc.ContentType = mime
		}
		doc.FileType = models.PDF
		if strings.HasPrefix(mime, "image/") {
			doc.FileType = models.Image
		}
	}

	key, err := s.storage.Store(ctx, file, storage.UploadKey(doc.ID, name))
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	doc.StorageKey = key

	for _, stage := range progress.AllStages() {
		if _, err := s.jobs.Upsert(ctx, models.JobRecord{
			DocumentID: doc.ID,
			Stage:      stage,
			Status:     models.JobQueued,
		}); err != nil {
			return nil, fmt.Errorf("failed to create %s job: %w", stage, err)
		}
	}

	task := &queue.StageTask{
		DocumentID:  doc.ID,
		Stage:       models.StageIngest,
		Priority:    s.config.QueuePriority,
		FileName:    doc.FileName,
		ContentType: doc.ContentType,
		StorageKey:  doc.StorageKey,
		CreatedAt:   doc.UploadedAt,
	}
	if err := s.queue.EnqueueStage(ctx, task); err != nil {
		s.fail(ctx, models.JobRecord{DocumentID: doc.ID, Stage: models.StageIngest}, "Failed to schedule processing")
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Info("Document submitted",
		logger.String("documentId", doc.ID),
		logger.String("filename", name),
	)
	return doc, nil
}

// SubmitBatch submits every file; one failing file does not stop the others.
func (s *Service) SubmitBatch(ctx context.Context, files []*multipart.FileHeader) []BatchResult {
	results := make([]BatchResult, len(files))

	var g errgroup.Group
	if s.config.MaxConcurrent > 0 {
		g.SetLimit(s.config.MaxConcurrent)
	}
	for i, header := range files {
		i, header := i, header
		results[i].FileName = header.Filename
		g.Go(func() error {
			file, err := header.Open()
			if err != nil {
				results[i].Error = fmt.Sprintf("failed to open file: %v", err)
				return nil
			}
			defer file.Close()

			doc, err := s.Submit(ctx, file, header)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].Document = doc
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// RunStage executes one stage and records it in the job store. A stage
// that fails is recorded as an error row and the returned error carries
// asynq.SkipRetry; failures to reach the job store are returned as is so
// the task is retried.
func (s *Service) RunStage(ctx context.Context, task *queue.StageTask) error {
	log := s.logger.With(
		logger.String("documentId", task.DocumentID),
		logger.String("stage", string(task.Stage)),
	)

	executor, err := s.executors.Get(task.Stage)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	records, err := s.jobs.FetchAll(ctx, task.DocumentID)
	if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	previous := make(map[models.Stage]json.RawMessage)
	for _, rec := range records {
		switch {
		case rec.Status == models.JobError:
			log.Info("Skipping stage of failed document",
				logger.String("failedStage", string(rec.Stage)),
			)
			return nil
		case rec.Stage == task.Stage && rec.Status == models.JobDone:
			// redelivered after the row was written; make sure the chain continues
			log.Info("Stage already done")
			return s.enqueueNext(ctx, task)
		case rec.Status == models.JobDone:
			previous[rec.Stage] = rec.OutputData
		}
	}

	started := s.now().UTC()
	if _, err := s.jobs.Upsert(ctx, models.JobRecord{
		DocumentID: task.DocumentID,
		Stage:      task.Stage,
		Status:     models.JobRunning,
		StartedAt:  &started,
	}); err != nil {
		if errors.Is(err, jobstore.ErrFinalized) {
			log.Info("Stage finished elsewhere, not running")
			return nil
		}
		return fmt.Errorf("failed to mark stage running: %w", err)
	}

	runCtx := ctx
	if s.config.StageTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.config.StageTimeout)
		defer cancel()
	}

	output, execErr := executor.Execute(runCtx, agent.StageInput{
		DocumentID:  task.DocumentID,
		FileName:    task.FileName,
		ContentType: task.ContentType,
		StorageKey:  task.StorageKey,
		Previous:    previous,
	})

	completed := s.now().UTC()
	rec := models.JobRecord{
		DocumentID:  task.DocumentID,
		Stage:       task.Stage,
		StartedAt:   &started,
		CompletedAt: &completed,
	}

	if execErr != nil {
		msg := execErr.Error()
		if ctx.Err() != nil {
			msg = cancelledMessage
		}
		log.Warn("Stage failed", logger.Error(execErr))
		rec.Status = models.JobError
		rec.ErrorMessage = msg
		// the task context may already be cancelled
		if _, err := s.jobs.Upsert(context.WithoutCancel(ctx), rec); err != nil && !errors.Is(err, jobstore.ErrFinalized) {
			return fmt.Errorf("failed to record stage failure: %w", err)
		}
		return fmt.Errorf("%s stage: %w: %w", task.Stage, execErr, asynq.SkipRetry)
	}

	rec.Status = models.JobDone
	rec.OutputData = output
	if _, err := s.jobs.Upsert(ctx, rec); err != nil {
		if errors.Is(err, jobstore.ErrFinalized) {
			// cancelled while executing; the error row stands and the chain stops
			log.Warn("Discarding result of finished stage")
			return nil
		}
		return fmt.Errorf("failed to mark stage done: %w", err)
	}
	log.Info("Stage done", logger.Duration("elapsed", completed.Sub(started)))

	return s.enqueueNext(ctx, task)
}

func (s *Service) enqueueNext(ctx context.Context, task *queue.StageTask) error {
	next, ok := nextStage(task.Stage)
	if !ok {
		return nil
	}
	if err := s.queue.EnqueueStage(ctx, task.Next(next)); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", next, err)
	}
	return nil
}

func nextStage(stage models.Stage) (models.Stage, bool) {
	stages := progress.AllStages()
	for i, s := range stages {
		if s == stage && i+1 < len(stages) {
			return stages[i+1], true
		}
	}
	return "", false
}

// Progress returns the current progress of a document.
func (s *Service) Progress(ctx context.Context, documentID string) (*ProgressReport, error) {
	view, err := progress.Snapshot(ctx, s.jobs, documentID)
	if err != nil {
		return nil, err
	}
	return &ProgressReport{
		Progress: view,
		Message:  progress.Describe(view),
	}, nil
}

// Cancel stops a document: pending stage tasks are removed and every stage
// that has not finished is recorded as cancelled. It returns the number of
// stages marked.
func (s *Service) Cancel(ctx context.Context, documentID string) (int, error) {
	records, err := s.jobs.FetchAll(ctx, documentID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return 0, ErrDocumentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load jobs: %w", err)
	}

	tasks, err := s.queue.CancelDocument(ctx, documentID)
	if err != nil {
		s.logger.Warn("Failed to cancel some tasks",
			logger.String("documentId", documentID),
			logger.Error(err),
		)
	}

	var marked int
	for _, rec := range records {
		if jobstore.Finished(rec.Status) {
			continue
		}
		err := s.fail(ctx, rec, cancelledMessage)
		if errors.Is(err, jobstore.ErrFinalized) {
			// finished between the fetch and the write
			continue
		}
		if err != nil {
			return marked, err
		}
		marked++
	}

	s.logger.Info("Document cancelled",
		logger.String("documentId", documentID),
		logger.Int("tasks", tasks),
		logger.Int("stages", marked),
	)
	return marked, nil
}

func (s *Service) fail(ctx context.Context, rec models.JobRecord, msg string) error {
	now := s.now().UTC()
	rec.Status = models.JobError
	rec.ErrorMessage = msg
	rec.CompletedAt = &now
	if _, err := s.jobs.Upsert(ctx, rec); err != nil {
		if errors.Is(err, jobstore.ErrFinalized) {
			return err
		}
		s.logger.Error("Failed to record failure",
			logger.String("documentId", rec.DocumentID),
			logger.String("stage", string(rec.Stage)),
			logger.Error(err),
		)
		return fmt.Errorf("failed to record %s failure: %w", rec.Stage, err)
	}
	return nil
}

// CleanupArtifacts removes stored uploads and artifacts older than the
// retention period.
func (s *Service) CleanupArtifacts(ctx context.Context) error {
	threshold := s.now().Add(-s.config.RetentionPeriod)

	if err := s.storage.CleanupBefore(ctx, threshold); err != nil {
		return fmt.Errorf("failed to cleanup storage: %w", err)
	}

	s.logger.Info("Completed artifact cleanup",
		logger.Time("threshold", threshold),
	)
	return nil
}
