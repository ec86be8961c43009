package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-pipeline/internal/agent"
	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/internal/progress"
	"github.com/feichai0017/document-pipeline/internal/utils/validator"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	jobmemory "github.com/feichai0017/document-pipeline/pkg/jobstore/memory"
	"github.com/feichai0017/document-pipeline/pkg/logger"
	"github.com/feichai0017/document-pipeline/pkg/queue"
	"github.com/feichai0017/document-pipeline/pkg/storage"
	"github.com/feichai0017/document-pipeline/pkg/storage/memory"
)

type fakeQueue struct {
	mu         sync.Mutex
	tasks      []queue.StageTask
	enqueueErr error
	cancelled  []string
}

func (q *fakeQueue) EnqueueStage(_ context.Context, task *queue.StageTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.tasks = append(q.tasks, *task)
	return nil
}

func (q *fakeQueue) CancelDocument(_ context.Context, documentID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, documentID)
	return 1, nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) last(t *testing.T) *queue.StageTask {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.tasks)
	task := q.tasks[len(q.tasks)-1]
	return &task
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type fakeExecutor struct {
	stage  models.Stage
	output string
	err    error
	block  chan struct{}

	mu     sync.Mutex
	inputs []agent.StageInput
}

func (e *fakeExecutor) Stage() models.Stage { return e.stage }

func (e *fakeExecutor) Execute(ctx context.Context, in agent.StageInput) (json.RawMessage, error) {
	e.mu.Lock()
	e.inputs = append(e.inputs, in)
	e.mu.Unlock()
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return json.RawMessage(e.output), nil
}

func (e *fakeExecutor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inputs)
}

type fixture struct {
	svc     *Service
	queue   *fakeQueue
	jobs    *jobmemory.Store
	storage *memory.Storage
	ingest  *fakeExecutor
	ocr     *fakeExecutor
	embed   *fakeExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewTestLogger()
	f := &fixture{
		queue:   &fakeQueue{},
		jobs:    jobmemory.New(),
		storage: memory.New(),
		ingest:  &fakeExecutor{stage: models.StageIngest, output: `{"contentType":"application/pdf"}`},
		ocr:     &fakeExecutor{stage: models.StageOCR, output: `{"pages":2}`},
		embed:   &fakeExecutor{stage: models.StageEmbed, output: `{"vectors":4}`},
	}
	f.svc = NewService(
		agent.NewRegistry(f.ingest, f.ocr, f.embed),
		f.queue,
		f.storage,
		f.jobs,
		validator.NewDocumentValidator(log, nil),
		log,
		nil,
	)
	t.Cleanup(func() { f.jobs.Close() })
	return f
}

func header(name string, size int64) *multipart.FileHeader {
	return &multipart.FileHeader{Filename: name, Size: size, Header: textproto.MIMEHeader{}}
}

func (f *fixture) submit(t *testing.T) *models.Document {
	t.Helper()
	doc, err := f.svc.Submit(context.Background(), strings.NewReader("%PDF-1.4 body"), header("report.pdf", 13))
	require.NoError(t, err)
	return doc
}

func (f *fixture) statuses(t *testing.T, documentID string) map[models.Stage]models.JobStatus {
	t.Helper()
	records, err := f.jobs.FetchAll(context.Background(), documentID)
	require.NoError(t, err)
	out := make(map[models.Stage]models.JobStatus)
	for _, r := range records {
		out[r.Stage] = r.Status
	}
	return out
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	doc := f.submit(t)

	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "application/pdf", doc.ContentType)
	assert.Equal(t, models.PDF, doc.FileType)
	assert.Equal(t, storage.UploadKey(doc.ID, "report.pdf"), doc.StorageKey)
	assert.Equal(t, []string{doc.StorageKey}, f.storage.Keys())

	assert.Equal(t, map[models.Stage]models.JobStatus{
		models.StageIngest: models.JobQueued,
		models.StageOCR:    models.JobQueued,
		models.StageEmbed:  models.JobQueued,
	}, f.statuses(t, doc.ID))

	task := f.queue.last(t)
	assert.Equal(t, doc.ID, task.DocumentID)
	assert.Equal(t, models.StageIngest, task.Stage)
	assert.Equal(t, doc.StorageKey, task.StorageKey)

	report, err := f.svc.Progress(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OverallNotStarted, report.Progress.OverallStatus)
	assert.Equal(t, "Waiting to start processing...", report.Message)
}

func TestSubmit_StripsPath(t *testing.T) {
	f := newFixture(t)
	doc, err := f.svc.Submit(context.Background(), strings.NewReader("x"), header("../../etc/scan.png", 1))
	require.NoError(t, err)
	assert.Equal(t, "scan.png", doc.FileName)
	assert.Equal(t, models.Image, doc.FileType)
	assert.Equal(t, "image/png", doc.ContentType)
}

func TestSubmit_Invalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Submit(context.Background(), strings.NewReader("x"), header("notes.txt", 1))
	assert.ErrorIs(t, err, ErrInvalidDocument)
	assert.Empty(t, f.storage.Keys())
	assert.Zero(t, f.queue.count())
}

func TestSubmit_EnqueueFailureMarksIngest(t *testing.T) {
	f := newFixture(t)
	f.queue.enqueueErr = errors.New("redis down")

	_, err := f.svc.Submit(context.Background(), strings.NewReader("x"), header("a.pdf", 1))
	assert.ErrorContains(t, err, "redis down")

	keys := f.storage.Keys()
	require.Len(t, keys, 1)
	id := strings.Split(keys[0], "/")[1]
	report, err := f.svc.Progress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.OverallError, report.Progress.OverallStatus)
	assert.Equal(t, "Processing failed: Failed to schedule processing", report.Message)
}

func TestRunStage_FullChain(t *testing.T) {
	f := newFixture(t)
	doc := f.submit(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RunStage(ctx, f.queue.last(t)))
	next := f.queue.last(t)
	assert.Equal(t, models.StageOCR, next.Stage)

	report, err := f.svc.Progress(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 33, report.Progress.ProgressPercentage)
	ingest := report.Progress.Stage(models.StageIngest)
	assert.JSONEq(t, `{"contentType":"application/pdf"}`, string(ingest.Metadata))
	_, ok := ingest.Duration()
	assert.True(t, ok)

	require.NoError(t, f.svc.RunStage(ctx, next))
	require.Len(t, f.ocr.inputs, 1)
	assert.JSONEq(t, `{"contentType":"application/pdf"}`, string(f.ocr.inputs[0].Previous[models.StageIngest]))
	assert.Equal(t, doc.StorageKey, f.ocr.inputs[0].StorageKey)

	require.NoError(t, f.svc.RunStage(ctx, f.queue.last(t)))
	require.Len(t, f.embed.inputs, 1)
	assert.Len(t, f.embed.inputs[0].Previous, 2)
	assert.Equal(t, 3, f.queue.count(), "nothing is enqueued after the last stage")

	report, err = f.svc.Progress(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OverallCompleted, report.Progress.OverallStatus)
	assert.Equal(t, 100, report.Progress.ProgressPercentage)
	assert.Equal(t, "Processing complete!", report.Message)
}

func TestRunStage_FailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.ocr.err = errors.New("no text recognised in document")
	doc := f.submit(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RunStage(ctx, f.queue.last(t)))
	err := f.svc.RunStage(ctx, f.queue.last(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, 2, f.queue.count())

	report, err := f.svc.Progress(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OverallError, report.Progress.OverallStatus)
	assert.Equal(t, "Processing failed: no text recognised in document", report.Message)
	assert.Equal(t, 33, report.Progress.ProgressPercentage)
}

func TestRunStage_SkipsFailedDocument(t *testing.T) {
	f := newFixture(t)
	doc := f.submit(t)
	ctx := context.Background()

	_, err := f.jobs.Upsert(ctx, models.JobRecord{DocumentID: doc.ID, Stage: models.StageIngest, Status: models.JobError, ErrorMessage: "bad"})
	require.NoError(t, err)

	require.NoError(t, f.svc.RunStage(ctx, f.queue.last(t).Next(models.StageOCR)))
	assert.Zero(t, f.ocr.calls())
}

func TestRunStage_RedeliveredDoneStage(t *testing.T) {
	f := newFixture(t)
	f.submit(t)
	ctx := context.Background()
	task := f.queue.last(t)

	require.NoError(t, f.svc.RunStage(ctx, task))
	require.NoError(t, f.svc.RunStage(ctx, task))

	assert.Equal(t, 1, f.ingest.calls())
	assert.Equal(t, models.StageOCR, f.queue.last(t).Stage)
}

func TestRunStage_UnknownStage(t *testing.T) {
	f := newFixture(t)
	err := f.svc.RunStage(context.Background(), &queue.StageTask{DocumentID: "doc-1", Stage: models.StageUnknown})
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.ErrorIs(t, err, agent.ErrNoExecutor)
}

func TestRunStage_StoreFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.submit(t)
	task := f.queue.last(t)
	require.NoError(t, f.jobs.Close())

	err := f.svc.RunStage(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.True(t, jobstore.IsTransport(err))
	assert.Zero(t, f.ingest.calls())
}

func TestRunStage_CancelledWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.ingest.block = make(chan struct{})
	doc := f.submit(t)
	task := f.queue.last(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.RunStage(ctx, task) }()

	require.Eventually(t, func() bool { return f.ingest.calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	report, err := f.svc.Progress(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Processing failed: Processing cancelled", report.Message)
}

func TestRunStage_CancelledBeforeResultIsStored(t *testing.T) {
	f := newFixture(t)
	f.ingest.block = make(chan struct{})
	doc := f.submit(t)
	task := f.queue.last(t)

	done := make(chan error, 1)
	go func() { done <- f.svc.RunStage(context.Background(), task) }()
	require.Eventually(t, func() bool { return f.ingest.calls() == 1 }, time.Second, 5*time.Millisecond)

	// the worker has not seen the cancellation yet and finishes normally
	marked, err := f.svc.Cancel(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, marked)
	close(f.ingest.block)
	require.NoError(t, <-done)

	assert.Equal(t, map[models.Stage]models.JobStatus{
		models.StageIngest: models.JobError,
		models.StageOCR:    models.JobError,
		models.StageEmbed:  models.JobError,
	}, f.statuses(t, doc.ID))
	assert.Equal(t, 1, f.queue.count(), "no ocr task after a cancelled ingest")

	report, err := f.svc.Progress(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Processing failed: Processing cancelled", report.Message)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	doc := f.submit(t)
	ctx := context.Background()
	require.NoError(t, f.svc.RunStage(ctx, f.queue.last(t)))

	marked, err := f.svc.Cancel(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)
	assert.Equal(t, []string{doc.ID}, f.queue.cancelled)

	assert.Equal(t, map[models.Stage]models.JobStatus{
		models.StageIngest: models.JobDone,
		models.StageOCR:    models.JobError,
		models.StageEmbed:  models.JobError,
	}, f.statuses(t, doc.ID))

	_, err = f.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestProgress_UnknownDocument(t *testing.T) {
	f := newFixture(t)
	report, err := f.svc.Progress(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, models.OverallNotStarted, report.Progress.OverallStatus)
}

func multipartFiles(t *testing.T, files map[string]string) []*multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&body, w.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { form.RemoveAll() })
	return form.File["files"]
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t)
	files := multipartFiles(t, map[string]string{
		"a.pdf":     "%PDF-1.4 a",
		"b.png":     "png bytes",
		"notes.txt": "text",
	})

	results := f.svc.SubmitBatch(context.Background(), files)
	require.Len(t, results, 3)

	byName := make(map[string]BatchResult)
	for _, r := range results {
		byName[r.FileName] = r
	}
	assert.NotNil(t, byName["a.pdf"].Document)
	assert.NotNil(t, byName["b.png"].Document)
	assert.Nil(t, byName["notes.txt"].Document)
	assert.Contains(t, byName["notes.txt"].Error, "File type .txt is not allowed")
	assert.Equal(t, 2, f.queue.count())
}

func TestCleanupArtifacts(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f.storage.SetClock(func() time.Time { return base })
	f.submit(t)

	f.svc.now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	require.NoError(t, f.svc.CleanupArtifacts(context.Background()))
	assert.Empty(t, f.storage.Keys())
}

func TestTrackerFollowsPipeline(t *testing.T) {
	f := newFixture(t)
	doc := f.submit(t)

	tr := progress.NewTracker(f.jobs, logger.NewTestLogger())
	defer tr.Close()
	require.NoError(t, tr.Reset(context.Background(), doc.ID))
	require.Eventually(t, func() bool { return tr.State() == progress.StateSubscribed }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.RunStage(ctx, f.queue.last(t)))
	}

	require.Eventually(t, func() bool {
		return tr.View().OverallStatus == models.OverallCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Processing complete!", progress.Describe(tr.View()))
}
