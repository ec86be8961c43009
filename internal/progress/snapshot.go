package progress

import (
	"context"
	"errors"
	"fmt"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
)

// Snapshot fetches the rows of documentID once and aggregates them. A
// document without rows yields a not_started view and no error.
func Snapshot(ctx context.Context, store jobstore.Store, documentID string) (models.ProgressView, error) {
	records, err := store.FetchAll(ctx, documentID)
	if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		view := Aggregate(nil)
		view.DocumentID = documentID
		view.SyncError = err.Error()
		return view, fmt.Errorf("failed to fetch job records: %w", err)
	}
	view := Aggregate(records)
	view.DocumentID = documentID
	return view, nil
}
