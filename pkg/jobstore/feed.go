package jobstore

import (
	"sync"
	"sync/atomic"
)

// Feed is a Subscription implementation shared by the drivers. The driver
// supplies a release func that tears the underlying channel down.
type Feed struct {
	release func()
	once    sync.Once
	closed  atomic.Bool
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func NewFeed(release func()) *Feed {
	if release == nil {
		release = func() {}
	}
	return &Feed{release: release, done: make(chan struct{})}
}

// Deliver calls fn unless the feed has ended. It reports whether fn ran.
// The check is not held across fn, so a Cancel racing with Deliver may
// return before fn does.
func (f *Feed) Deliver(fn func()) bool {
	if f.closed.Load() {
		return false
	}
	fn()
	return true
}

func (f *Feed) Cancel() { f.finish(nil) }

// Fail ends the feed because the underlying channel dropped.
func (f *Feed) Fail(err error) { f.finish(err) }

func (f *Feed) Done() <-chan struct{} { return f.done }

func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) finish(err error) {
	f.once.Do(func() {
		f.closed.Store(true)
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		f.release()
		close(f.done)
	})
}
