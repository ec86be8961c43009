package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

// ErrTrackerClosed is returned by Reset after Close.
var ErrTrackerClosed = errors.New("progress: tracker closed")

// State is the lifecycle state of a Tracker.
type State int

const (
	StateUninitialized State = iota
	StateSyncing
	StateSubscribed
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSyncing:
		return "syncing"
	case StateSubscribed:
		return "subscribed"
	case StateTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tracker keeps a ProgressView of one document in sync with the job store.
//
// Each Reset starts a new generation: the previous subscription and any
// in-flight fetch are cancelled before Reset returns, and every callback
// carries the generation it was started for, so results belonging to an
// older document are dropped instead of being merged into the new view.
//
// A dropped change channel is reported through SyncError and is not
// re-established; the owner decides when to call Reset again.
type Tracker struct {
	store  jobstore.Store
	logger logger.Logger

	mu         sync.Mutex
	state      State
	closed     bool
	gen        uint64
	documentID string
	runCtx     context.Context
	cancel     context.CancelFunc
	sub        jobstore.Subscription

	records      []models.JobRecord
	view         models.ProgressView
	fetchErr     string
	subErr       string
	fetchFailed  bool
	refetching   bool
	gapRefetched bool

	changes chan models.ProgressView
}

func NewTracker(store jobstore.Store, log logger.Logger) *Tracker {
	t := &Tracker{
		store:   store,
		logger:  log.Named("progress-tracker"),
		changes: make(chan models.ProgressView, 1),
	}
	t.view = Aggregate(nil)
	return t
}

// Changes delivers the latest view after every change. Views that were not
// received before the next one was produced are discarded. The channel is
// closed by Close.
func (t *Tracker) Changes() <-chan models.ProgressView {
	return t.changes
}

// View returns the current view.
func (t *Tracker) View() models.ProgressView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) DocumentID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.documentID
}

// Reset points the tracker at documentID. Whatever the tracker was
// observing before is torn down first; the initial fetch and the
// subscription for the new document then run in the background under ctx.
// Calling Reset again with the same id re-fetches and re-subscribes.
func (t *Tracker) Reset(ctx context.Context, documentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTrackerClosed
	}

	t.teardownLocked()
	gen := t.gen
	t.documentID = documentID
	t.records = nil
	t.fetchErr, t.subErr = "", ""
	t.fetchFailed, t.refetching, t.gapRefetched = false, false, false
	t.state = StateSyncing
	t.runCtx, t.cancel = context.WithCancel(ctx)

	t.publishLocked()
	go t.sync(t.runCtx, gen, documentID)
	return nil
}

// Close tears the tracker down. It is idempotent; nothing is published after
// it returns.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.teardownLocked()
	t.state = StateTornDown
	close(t.changes)
}

func (t *Tracker) teardownLocked() {
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.sub != nil {
		t.sub.Cancel()
		t.sub = nil
	}
	if t.state != StateUninitialized {
		t.state = StateTornDown
	}
}

func (t *Tracker) current(gen uint64) bool {
	return !t.closed && t.gen == gen
}

func (t *Tracker) sync(ctx context.Context, gen uint64, documentID string) {
	records, err := t.store.FetchAll(ctx, documentID)

	t.mu.Lock()
	if !t.current(gen) {
		t.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		for _, rec := range records {
			t.foldLocked(rec)
		}
	case errors.Is(err, jobstore.ErrNotFound):
	default:
		t.logger.Warn("Initial job fetch failed",
			logger.String("documentId", documentID),
			logger.Error(err),
		)
		t.fetchFailed = true
		t.fetchErr = err.Error()
	}
	t.publishLocked()
	t.mu.Unlock()

	sub, err := t.store.Subscribe(ctx, documentID, func(rec models.JobRecord) {
		t.handleEvent(gen, rec)
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(gen) {
		if sub != nil {
			sub.Cancel()
		}
		return
	}
	t.state = StateSubscribed
	if err != nil {
		t.logger.Warn("Job subscription failed",
			logger.String("documentId", documentID),
			logger.Error(err),
		)
		t.subErr = err.Error()
		t.publishLocked()
		return
	}
	t.sub = sub
	go t.watch(gen, sub)
}

// watch reports a subscription that ends without being cancelled by us.
func (t *Tracker) watch(gen uint64, sub jobstore.Subscription) {
	<-sub.Done()
	err := sub.Err()
	if err == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(gen) {
		return
	}
	t.logger.Warn("Job subscription dropped",
		logger.String("documentId", t.documentID),
		logger.Error(err),
	)
	t.sub = nil
	t.subErr = err.Error()
	t.publishLocked()
}

func (t *Tracker) handleEvent(gen uint64, rec models.JobRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(gen) {
		return
	}
	if rec.DocumentID != t.documentID {
		t.logger.Debug("Ignoring change for another document",
			logger.String("documentId", t.documentID),
			logger.String("eventDocumentId", rec.DocumentID),
		)
		return
	}
	if !t.foldLocked(rec) {
		return
	}
	t.publishLocked()

	gap := !t.gapRefetched && t.missingBeforeLocked(rec.Stage)
	if (t.fetchFailed || gap) && !t.refetching {
		if gap {
			t.gapRefetched = true
		}
		t.refetching = true
		go t.refetch(t.runCtx, gen, t.documentID)
	}
}

// refetch backfills rows the subscription may have missed. Rows already
// known are only replaced by strictly newer versions.
func (t *Tracker) refetch(ctx context.Context, gen uint64, documentID string) {
	records, err := t.store.FetchAll(ctx, documentID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(gen) {
		return
	}
	t.refetching = false
	if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		t.logger.Warn("Job refetch failed",
			logger.String("documentId", documentID),
			logger.Error(err),
		)
		return
	}
	t.fetchFailed = false
	t.fetchErr = ""
	for _, rec := range records {
		t.fillLocked(rec)
	}
	t.publishLocked()
}

// foldLocked applies a change event. The previous row for the same stage is
// replaced and the new one moves to the end, so slice order stays arrival
// order. When both rows carry a version, older or equal versions are
// dropped. Reports whether anything changed.
func (t *Tracker) foldLocked(rec models.JobRecord) bool {
	if !IsKnownStage(string(rec.Stage)) {
		return false
	}
	if i := t.indexLocked(rec.Stage); i >= 0 {
		prev := t.records[i]
		if prev.Version > 0 && rec.Version > 0 && rec.Version <= prev.Version {
			return false
		}
		t.records = append(t.records[:i], t.records[i+1:]...)
	}
	t.records = append(t.records, rec)
	return true
}

func (t *Tracker) fillLocked(rec models.JobRecord) {
	if !IsKnownStage(string(rec.Stage)) {
		return
	}
	if i := t.indexLocked(rec.Stage); i >= 0 {
		prev := t.records[i]
		if prev.Version == 0 || rec.Version <= prev.Version {
			return
		}
		t.records = append(t.records[:i], t.records[i+1:]...)
	}
	t.records = append(t.records, rec)
}

func (t *Tracker) indexLocked(stage models.Stage) int {
	for i, r := range t.records {
		if r.Stage == stage {
			return i
		}
	}
	return -1
}

// missingBeforeLocked reports whether a stage earlier than stage has no row.
func (t *Tracker) missingBeforeLocked(stage models.Stage) bool {
	for i := 0; i < stageIndex(stage); i++ {
		if t.indexLocked(stageOrder[i]) < 0 {
			return true
		}
	}
	return false
}

func (t *Tracker) publishLocked() {
	view := Aggregate(t.records)
	view.DocumentID = t.documentID
	if t.subErr != "" {
		view.SyncError = t.subErr
	} else {
		view.SyncError = t.fetchErr
	}
	t.view = view

	select {
	case <-t.changes:
	default:
	}
	t.changes <- view
}
