package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

var errListenerClosed = errors.New("postgres listener closed")

// hub routes decoded notifications to the subscriptions of one document.
type hub struct {
	mu    sync.Mutex
	subs  map[string]map[*jobstore.Feed]func(models.JobRecord)
	count int
	// idle runs, outside mu, when the last subscription is cancelled
	idle func()
}

func newHub(idle func()) *hub {
	return &hub{subs: make(map[string]map[*jobstore.Feed]func(models.JobRecord)), idle: idle}
}

func (h *hub) add(documentID string, onChange func(models.JobRecord)) *jobstore.Feed {
	var feed *jobstore.Feed
	feed = jobstore.NewFeed(func() { h.remove(documentID, feed) })

	h.mu.Lock()
	set, ok := h.subs[documentID]
	if !ok {
		set = make(map[*jobstore.Feed]func(models.JobRecord))
		h.subs[documentID] = set
	}
	set[feed] = onChange
	h.count++
	h.mu.Unlock()
	return feed
}

func (h *hub) remove(documentID string, feed *jobstore.Feed) {
	h.mu.Lock()
	set := h.subs[documentID]
	if _, ok := set[feed]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, feed)
	if len(set) == 0 {
		delete(h.subs, documentID)
	}
	h.count--
	empty := h.count == 0
	h.mu.Unlock()

	if empty && h.idle != nil {
		h.idle()
	}
}

func (h *hub) dispatch(rec models.JobRecord) {
	h.mu.Lock()
	set := h.subs[rec.DocumentID]
	feeds := make([]*jobstore.Feed, 0, len(set))
	handlers := make([]func(models.JobRecord), 0, len(set))
	for feed, fn := range set {
		feeds = append(feeds, feed)
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for i, feed := range feeds {
		fn := handlers[i]
		feed.Deliver(func() { fn(rec) })
	}
}

// drain unregisters every subscription and returns their feeds without
// calling idle.
func (h *hub) drain() []*jobstore.Feed {
	h.mu.Lock()
	defer h.mu.Unlock()
	feeds := make([]*jobstore.Feed, 0, h.count)
	for _, set := range h.subs {
		for feed := range set {
			feeds = append(feeds, feed)
		}
	}
	h.subs = make(map[string]map[*jobstore.Feed]func(models.JobRecord))
	h.count = 0
	return feeds
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// listener holds one hijacked LISTEN connection for all subscriptions of a
// store. The connection is opened by the first subscription and closed when
// the last one is cancelled; if it drops, every subscription fails with the
// connection error.
type listener struct {
	pool   *pgxpool.Pool
	logger logger.Logger
	hub    *hub

	mu     sync.Mutex
	stop   context.CancelFunc // nil while no connection is listening
	closed bool
}

func newListener(pool *pgxpool.Pool, log logger.Logger) *listener {
	l := &listener{pool: pool, logger: log}
	l.hub = newHub(l.stopIfIdle)
	return l
}

func (l *listener) subscribe(ctx context.Context, documentID string, onChange func(models.JobRecord)) (jobstore.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, jobstore.Transport("subscribe", errListenerClosed)
	}
	if l.stop == nil {
		if err := l.startLocked(ctx); err != nil {
			return nil, jobstore.Transport("subscribe", err)
		}
	}
	return l.hub.add(documentID, onChange), nil
}

func (l *listener) startLocked(ctx context.Context) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// the connection leaves the pool for good; it is closed, not released
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.stop = cancel
	go l.run(runCtx, conn)
	return nil
}

func (l *listener) run(ctx context.Context, conn *pgx.Conn) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.dropped(ctx, err)
			}
			return
		}
		var rec models.JobRecord
		if err := json.Unmarshal([]byte(n.Payload), &rec); err != nil {
			l.logger.Warn("Dropping undecodable notification", logger.Error(err))
			continue
		}
		l.hub.dispatch(rec)
	}
}

// dropped fails the subscriptions served by the connection of ctx. A
// subscription made after this returns opens a fresh connection.
func (l *listener) dropped(ctx context.Context, err error) {
	l.mu.Lock()
	if ctx.Err() != nil {
		// stopped while the error was in flight
		l.mu.Unlock()
		return
	}
	l.stop()
	l.stop = nil
	feeds := l.hub.drain()
	l.mu.Unlock()

	l.logger.Warn("Notification channel dropped",
		logger.Int("subscriptions", len(feeds)),
		logger.Error(err),
	)
	cause := jobstore.Transport("listen", err)
	for _, feed := range feeds {
		feed.Fail(cause)
	}
}

func (l *listener) stopIfIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil && l.hub.size() == 0 {
		l.stop()
		l.stop = nil
	}
}

func (l *listener) close() {
	l.mu.Lock()
	l.closed = true
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}
	feeds := l.hub.drain()
	l.mu.Unlock()

	for _, feed := range feeds {
		feed.Cancel()
	}
}
