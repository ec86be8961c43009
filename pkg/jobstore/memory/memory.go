// Package memory is an in-process job store used by tests and local runs.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
)

var errClosed = errors.New("memory store closed")

type rowKey struct {
	documentID string
	stage      string
}

type subscriber struct {
	documentID string
	feed       *jobstore.Feed
	onChange   func(models.JobRecord)
}

// Store keeps rows in a map and fans changes out synchronously to
// subscribers, from the goroutine that called Upsert.
type Store struct {
	mu     sync.Mutex
	rows   map[rowKey]models.JobRecord
	subs   map[*subscriber]struct{}
	now    func() time.Time
	closed bool
}

func New() *Store {
	return &Store{
		rows: make(map[rowKey]models.JobRecord),
		subs: make(map[*subscriber]struct{}),
		now:  time.Now,
	}
}

func keyOf(rec models.JobRecord) rowKey {
	stage := string(rec.Stage)
	if rec.Stage == models.StageUnknown && rec.RawStage != "" {
		stage = rec.RawStage
	}
	return rowKey{documentID: rec.DocumentID, stage: stage}
}

func (s *Store) FetchAll(ctx context.Context, documentID string) ([]models.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, jobstore.Transport("fetch", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.JobRecord
	for k, rec := range s.rows {
		if k.documentID == documentID {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, jobstore.ErrNotFound
	}
	jobstore.SortByUpdate(out)
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, documentID string, onChange func(models.JobRecord)) (jobstore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, jobstore.Transport("subscribe", err)
	}
	sub := &subscriber{documentID: documentID, onChange: onChange}
	sub.feed = jobstore.NewFeed(func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub.feed, nil
}

// Upsert stores rec with the next row version and notifies subscribers.
func (s *Store) Upsert(ctx context.Context, rec models.JobRecord) (models.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return rec, jobstore.Transport("upsert", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rec, jobstore.Transport("upsert", errClosed)
	}
	k := keyOf(rec)
	if cur, ok := s.rows[k]; ok && jobstore.Finished(cur.Status) {
		s.mu.Unlock()
		return rec, jobstore.ErrFinalized
	}
	rec.Version = s.rows[k].Version + 1
	rec.UpdatedAt = s.now()
	s.rows[k] = rec
	s.mu.Unlock()

	s.Emit(rec)
	return rec, nil
}

// Emit delivers rec to subscribers without storing it, which is how tests
// simulate redelivered or reordered change events.
func (s *Store) Emit(rec models.JobRecord) {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		if sub.documentID == rec.DocumentID {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.feed.Deliver(func() { sub.onChange(rec) })
	}
}

// Drop ends every subscription on documentID with err, as a lost
// connection would.
func (s *Store) Drop(documentID string, err error) {
	s.mu.Lock()
	var targets []*subscriber
	for sub := range s.subs {
		if sub.documentID == documentID {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range targets {
		sub.feed.Fail(err)
	}
}

// Subscribers returns the number of open subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) Close() error {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.closed = true
	s.mu.Unlock()
	for _, sub := range subs {
		sub.feed.Cancel()
	}
	return nil
}
