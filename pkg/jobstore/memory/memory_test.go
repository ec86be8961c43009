package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	"github.com/feichai0017/document-pipeline/pkg/jobstore/jobstoretest"
)

func TestStore_Contract(t *testing.T) {
	jobstoretest.RunContract(t, func(t *testing.T) jobstore.ReadWriter {
		s := New()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStore_FetchAll(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.FetchAll(ctx, "doc-1")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)

	_, err = s.Upsert(ctx, models.JobRecord{DocumentID: "doc-1", Stage: models.StageIngest, Status: models.JobRunning})
	require.NoError(t, err)
	second, err := s.Upsert(ctx, models.JobRecord{DocumentID: "doc-1", Stage: models.StageIngest, Status: models.JobDone})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, models.JobRecord{DocumentID: "doc-2", Stage: models.StageIngest, Status: models.JobQueued})
	require.NoError(t, err)

	assert.Equal(t, int64(2), second.Version)
	assert.False(t, second.UpdatedAt.IsZero())

	rows, err := s.FetchAll(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.JobDone, rows[0].Status)
	assert.Equal(t, int64(2), rows[0].Version)
}

func TestStore_FetchAllOrdersByUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for _, stage := range []models.Stage{models.StageEmbed, models.StageIngest, models.StageOCR} {
		_, err := s.Upsert(ctx, models.JobRecord{DocumentID: "doc-1", Stage: stage, Status: models.JobQueued})
		require.NoError(t, err)
	}

	rows, err := s.FetchAll(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, models.StageEmbed, rows[0].Stage)
	assert.Equal(t, models.StageIngest, rows[1].Stage)
	assert.Equal(t, models.StageOCR, rows[2].Stage)
}

func TestStore_SubscribeFiltersByDocument(t *testing.T) {
	ctx := context.Background()
	s := New()

	var got []models.JobRecord
	sub, err := s.Subscribe(ctx, "doc-1", func(r models.JobRecord) { got = append(got, r) })
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers())

	_, _ = s.Upsert(ctx, models.JobRecord{DocumentID: "doc-1", Stage: models.StageOCR, Status: models.JobRunning})
	_, _ = s.Upsert(ctx, models.JobRecord{DocumentID: "doc-2", Stage: models.StageOCR, Status: models.JobRunning})
	require.Len(t, got, 1)
	assert.Equal(t, "doc-1", got[0].DocumentID)

	sub.Cancel()
	sub.Cancel()
	assert.Zero(t, s.Subscribers())
	assert.NoError(t, sub.Err())
	select {
	case <-sub.Done():
	default:
		t.Fatal("done not closed after cancel")
	}

	_, _ = s.Upsert(ctx, models.JobRecord{DocumentID: "doc-1", Stage: models.StageOCR, Status: models.JobDone})
	assert.Len(t, got, 1, "no delivery after cancel")
}

func TestStore_Drop(t *testing.T) {
	s := New()
	sub, err := s.Subscribe(context.Background(), "doc-1", func(models.JobRecord) {})
	require.NoError(t, err)

	s.Drop("doc-1", errors.New("reset by peer"))
	<-sub.Done()
	assert.EqualError(t, sub.Err(), "reset by peer")
	assert.Zero(t, s.Subscribers())
}

func TestStore_CanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.FetchAll(ctx, "doc-1")
	assert.True(t, jobstore.IsTransport(err))
	_, err = s.Subscribe(ctx, "doc-1", func(models.JobRecord) {})
	assert.True(t, jobstore.IsTransport(err))
}

func TestStore_Close(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub, err := s.Subscribe(ctx, "doc-1", func(models.JobRecord) {})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	<-sub.Done()

	_, err = s.Upsert(ctx, models.JobRecord{DocumentID: "doc-1", Stage: models.StageOCR, Status: models.JobDone})
	assert.True(t, jobstore.IsTransport(err))
}
