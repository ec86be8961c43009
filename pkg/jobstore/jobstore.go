// Package jobstore defines the contract between the progress core and the
// storage holding per-stage job rows.
package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/feichai0017/document-pipeline/internal/models"
)

// ErrNotFound is returned by FetchAll when a document has no rows yet.
var ErrNotFound = errors.New("jobstore: no job records for document")

// ErrFinalized is returned by Upsert when the row is already done or error.
// Finished rows are never overwritten.
var ErrFinalized = errors.New("jobstore: job record already finished")

// Finished reports whether status ends a row's lifecycle.
func Finished(status models.JobStatus) bool {
	return status == models.JobDone || status == models.JobError
}

// TransportError wraps a failure to reach the backing store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("jobstore: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError for op; nil stays nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Store reads job rows and streams changes to them.
type Store interface {
	// FetchAll returns every row of documentID, ErrNotFound if there are none.
	FetchAll(ctx context.Context, documentID string) ([]models.JobRecord, error)
	// Subscribe delivers each insert/update of a row of documentID to onChange.
	// Delivery is at-least-once; a single row's updates arrive in order but
	// rows are not ordered relative to each other. The channel is established
	// when Subscribe returns.
	Subscribe(ctx context.Context, documentID string, onChange func(models.JobRecord)) (Subscription, error)
}

// Subscription is a live change channel.
type Subscription interface {
	// Cancel releases the channel and is idempotent. It does not wait for
	// an onChange call already in progress, so one late call may still run
	// after it returns; callers that need a hard stop guard their callback.
	Cancel()
	// Done is closed once the channel has ended, by Cancel or by a drop.
	Done() <-chan struct{}
	// Err reports why the channel dropped; nil after Cancel.
	Err() error
}

// Writer is implemented by stores that the processing workers write to.
type Writer interface {
	// Upsert stores rec, assigns the next row version and publishes the change.
	// It returns ErrFinalized, and stores nothing, if the row has finished.
	Upsert(ctx context.Context, rec models.JobRecord) (models.JobRecord, error)
}

// ReadWriter is a full job store.
type ReadWriter interface {
	Store
	Writer
	Close() error
}

// Type 存储驱动类型
type Type string

const (
	TypeMemory   Type = "memory"
	TypeRedis    Type = "redis"
	TypePostgres Type = "postgres"
)
