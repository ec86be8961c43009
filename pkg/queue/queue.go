package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

// TaskType 定义任务类型
const (
	TaskTypeIngest  = "pipeline:ingest"
	TaskTypeOCR     = "pipeline:ocr"
	TaskTypeEmbed   = "pipeline:embed"
	TaskTypeCleanup = "pipeline:cleanup"
)

// Queue names, highest weight first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

var queueNames = []string{QueueCritical, QueueDefault, QueueLow}

// QueueWeights is the asynq weight of each queue.
func QueueWeights() map[string]int {
	return map[string]int{
		QueueCritical: 6,
		QueueDefault:  3,
		QueueLow:      1,
	}
}

// TaskTypeFor maps a stage to its task type.
func TaskTypeFor(stage models.Stage) (string, error) {
	switch stage {
	case models.StageIngest:
		return TaskTypeIngest, nil
	case models.StageOCR:
		return TaskTypeOCR, nil
	case models.StageEmbed:
		return TaskTypeEmbed, nil
	default:
		return "", fmt.Errorf("no task type for stage %q", stage)
	}
}

// Queue 接口定义
type Queue interface {
	// EnqueueStage schedules one stage of a document. Enqueueing a stage that
	// is already pending for the document is not an error.
	EnqueueStage(ctx context.Context, task *StageTask) error
	// CancelDocument removes pending stage tasks of a document and asks
	// running ones to stop. It returns how many tasks were affected.
	CancelDocument(ctx context.Context, documentID string) (int, error)
	Close() error
}

// StageTask 定义任务结构
type StageTask struct {
	DocumentID  string       `json:"documentId"`
	Stage       models.Stage `json:"stage"`
	Priority    int          `json:"priority"`
	FileName    string       `json:"fileName"`
	ContentType string       `json:"contentType,omitempty"`
	StorageKey  string       `json:"storageKey"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// TaskID is the asynq task id of a stage, unique per document and stage.
func (t *StageTask) TaskID() string {
	return TaskID(t.DocumentID, t.Stage)
}

func TaskID(documentID string, stage models.Stage) string {
	return fmt.Sprintf("%s:%s", documentID, stage)
}

// Next returns a copy of t for another stage of the same document.
func (t *StageTask) Next(next models.Stage) *StageTask {
	n := *t
	n.Stage = next
	n.CreatedAt = time.Now()
	return &n
}

// ParseStageTask decodes the payload of an asynq stage task.
func ParseStageTask(t *asynq.Task) (*StageTask, error) {
	var task StageTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if task.DocumentID == "" || task.Stage == "" {
		return nil, fmt.Errorf("invalid task data: missing required fields")
	}
	return &task, nil
}

// QueueFor picks the queue for a priority: 1 critical, 2 default, else low.
func QueueFor(priority int) string {
	switch priority {
	case 1:
		return QueueCritical
	case 2:
		return QueueDefault
	default:
		return QueueLow
	}
}

// QueueConfig 定义队列配置
type QueueConfig struct {
	RedisAddr      string        `yaml:"redisAddr"`
	RedisPassword  string        `yaml:"redisPassword"`
	RedisDB        int           `yaml:"redisDB"`
	MaxRetries     int           `yaml:"maxRetries"`
	ProcessTimeout time.Duration `yaml:"processTimeout"`
	Retention      time.Duration `yaml:"retention"`
}

// RedisOpt returns the asynq connection options for cfg.
func (c *QueueConfig) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// AsynqQueue 实现
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	config    *QueueConfig
	logger    logger.Logger
}

// NewAsynqQueue 创建新的队列实例
func NewAsynqQueue(cfg *QueueConfig, log logger.Logger) *AsynqQueue {
	redisOpt := cfg.RedisOpt()
	return &AsynqQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		config:    cfg,
		logger:    log.Named("queue"),
	}
}

// EnqueueStage 将任务加入队列
func (q *AsynqQueue) EnqueueStage(ctx context.Context, task *StageTask) error {
	taskType, err := TaskTypeFor(task.Stage)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	// 设置任务选项
	opts := []asynq.Option{
		asynq.MaxRetry(q.config.MaxRetries),
		asynq.TaskID(task.TaskID()),
		asynq.Queue(QueueFor(task.Priority)),
	}
	if q.config.ProcessTimeout > 0 {
		opts = append(opts, asynq.Timeout(q.config.ProcessTimeout))
	}
	if q.config.Retention > 0 {
		opts = append(opts, asynq.Retention(q.config.Retention))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload), opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		q.logger.Debug("Stage task already queued",
			logger.String("taskId", task.TaskID()),
		)
		return nil
	case err != nil:
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.logger.Info("Stage task enqueued",
		logger.String("taskId", info.ID),
		logger.String("queue", info.Queue),
		logger.String("type", taskType),
	)
	return nil
}

// CancelDocument 取消任务
func (q *AsynqQueue) CancelDocument(ctx context.Context, documentID string) (int, error) {
	var cancelled int
	var errs []error
	for _, stage := range []models.Stage{models.StageIngest, models.StageOCR, models.StageEmbed} {
		id := TaskID(documentID, stage)
		for _, name := range queueNames {
			info, err := q.inspector.GetTaskInfo(name, id)
			if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("inspect %s: %w", id, err))
				continue
			}

			switch info.State {
			case asynq.TaskStateActive:
				err = q.inspector.CancelProcessing(id)
			case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
				err = q.inspector.DeleteTask(name, id)
			default:
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("cancel %s: %w", id, err))
				continue
			}
			cancelled++
		}
	}

	if err := errors.Join(errs...); err != nil {
		return cancelled, fmt.Errorf("failed to cancel tasks: %w", err)
	}
	return cancelled, nil
}

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}
