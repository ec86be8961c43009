// Package jobstoretest checks that a jobstore.ReadWriter behaves the way the
// progress tracker expects.
package jobstoretest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
)

// RunContract runs the shared job store tests against the store returned by
// open. Each subtest uses fresh document ids, so one store may be shared.
func RunContract(t *testing.T, open func(t *testing.T) jobstore.ReadWriter) {
	t.Run("FetchAllUnknownDocument", func(t *testing.T) {
		store := open(t)
		_, err := store.FetchAll(context.Background(), uuid.NewString())
		assert.True(t, errors.Is(err, jobstore.ErrNotFound), "got %v", err)
	})

	t.Run("UpsertAssignsVersions", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		id := uuid.NewString()

		first, err := store.Upsert(ctx, models.JobRecord{DocumentID: id, Stage: models.StageIngest, Status: models.JobQueued})
		require.NoError(t, err)
		second, err := store.Upsert(ctx, models.JobRecord{DocumentID: id, Stage: models.StageIngest, Status: models.JobRunning})
		require.NoError(t, err)
		assert.Greater(t, second.Version, first.Version)
		assert.False(t, second.UpdatedAt.IsZero())

		other, err := store.Upsert(ctx, models.JobRecord{DocumentID: id, Stage: models.StageOCR, Status: models.JobQueued})
		require.NoError(t, err)
		assert.Equal(t, int64(1), other.Version)
	})

	t.Run("FetchAllReturnsLatestRows", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		id := uuid.NewString()
		started := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
		completed := started.Add(2 * time.Second)

		for _, rec := range []models.JobRecord{
			{DocumentID: id, Stage: models.StageIngest, Status: models.JobRunning, StartedAt: &started},
			{DocumentID: id, Stage: models.StageIngest, Status: models.JobDone, StartedAt: &started, CompletedAt: &completed, OutputData: json.RawMessage(`{"size":10}`)},
			{DocumentID: id, Stage: models.StageOCR, Status: models.JobError, ErrorMessage: "no text"},
		} {
			_, err := store.Upsert(ctx, rec)
			require.NoError(t, err)
		}
		_, err := store.Upsert(ctx, models.JobRecord{DocumentID: uuid.NewString(), Stage: models.StageIngest, Status: models.JobDone})
		require.NoError(t, err)

		records, err := store.FetchAll(ctx, id)
		require.NoError(t, err)
		require.Len(t, records, 2)

		byStage := make(map[models.Stage]models.JobRecord)
		for _, r := range records {
			assert.Equal(t, id, r.DocumentID)
			byStage[r.Stage] = r
		}
		ingest := byStage[models.StageIngest]
		assert.Equal(t, models.JobDone, ingest.Status)
		require.NotNil(t, ingest.StartedAt)
		require.NotNil(t, ingest.CompletedAt)
		assert.True(t, started.Equal(*ingest.StartedAt))
		assert.True(t, completed.Equal(*ingest.CompletedAt))
		assert.JSONEq(t, `{"size":10}`, string(ingest.OutputData))
		assert.Equal(t, "no text", byStage[models.StageOCR].ErrorMessage)
	})

	t.Run("FinishedRowsAreNotOverwritten", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		id := uuid.NewString()

		for _, final := range []models.JobRecord{
			{DocumentID: id, Stage: models.StageIngest, Status: models.JobError, ErrorMessage: "Processing cancelled"},
			{DocumentID: id, Stage: models.StageOCR, Status: models.JobDone},
		} {
			stored, err := store.Upsert(ctx, final)
			require.NoError(t, err)

			for _, late := range []models.JobStatus{models.JobDone, models.JobRunning, models.JobError} {
				_, err := store.Upsert(ctx, models.JobRecord{DocumentID: id, Stage: final.Stage, Status: late})
				assert.ErrorIs(t, err, jobstore.ErrFinalized, "%s after %s", late, final.Status)
			}

			records, err := store.FetchAll(ctx, id)
			require.NoError(t, err)
			for _, r := range records {
				if r.Stage == final.Stage {
					assert.Equal(t, final.Status, r.Status)
					assert.Equal(t, final.ErrorMessage, r.ErrorMessage)
					assert.Equal(t, stored.Version, r.Version)
				}
			}
		}
	})

	t.Run("ConcurrentUpsertsKeepNewestVersion", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		id := uuid.NewString()
		const writers = 16

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			versions []int64
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := store.Upsert(ctx, models.JobRecord{DocumentID: id, Stage: models.StageOCR, Status: models.JobRunning})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				versions = append(versions, rec.Version)
				mu.Unlock()
			}()
		}
		wg.Wait()
		require.Len(t, versions, writers)

		var newest int64
		seen := make(map[int64]bool)
		for _, v := range versions {
			assert.False(t, seen[v], "version %d assigned twice", v)
			seen[v] = true
			if v > newest {
				newest = v
			}
		}

		records, err := store.FetchAll(ctx, id)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, newest, records[0].Version, "stored row is the newest write")
	})

	t.Run("SubscribeDeliversOwnDocument", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		id := uuid.NewString()

		var (
			mu  sync.Mutex
			got []models.JobRecord
		)
		sub, err := store.Subscribe(ctx, id, func(rec models.JobRecord) {
			mu.Lock()
			got = append(got, rec)
			mu.Unlock()
		})
		require.NoError(t, err)
		defer sub.Cancel()

		_, err = store.Upsert(ctx, models.JobRecord{DocumentID: uuid.NewString(), Stage: models.StageIngest, Status: models.JobDone})
		require.NoError(t, err)
		_, err = store.Upsert(ctx, models.JobRecord{DocumentID: id, Stage: models.StageIngest, Status: models.JobRunning})
		require.NoError(t, err)
		_, err = store.Upsert(ctx, models.JobRecord{DocumentID: id, Stage: models.StageIngest, Status: models.JobDone})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) >= 2
		}, 5*time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		for _, rec := range got {
			assert.Equal(t, id, rec.DocumentID)
		}
		last := got[len(got)-1]
		assert.Equal(t, models.JobDone, last.Status)
		assert.Greater(t, last.Version, got[0].Version)
	})

	t.Run("CancelStopsDelivery", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		id := uuid.NewString()

		var (
			mu    sync.Mutex
			calls int
		)
		sub, err := store.Subscribe(ctx, id, func(models.JobRecord) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		require.NoError(t, err)

		sub.Cancel()
		sub.Cancel()
		select {
		case <-sub.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("Done not closed after Cancel")
		}
		assert.NoError(t, sub.Err())

		_, err = store.Upsert(ctx, models.JobRecord{DocumentID: id, Stage: models.StageIngest, Status: models.JobRunning})
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Zero(t, calls)
	})
}
