package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchfetch/internal/models"
)

// runStoreSuite exercises the lease and batch semantics every Store must share.
func runStoreSuite(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	batchID := "batch-" + uuid.NewString()
	first := &models.DownloadRecord{
		ID:          "rec-" + uuid.NewString(),
		URI:         "https://example.com/a.bin",
		Destination: "a.bin",
		Headers: []models.Header{
			{Name: "Cookie", Value: "a=1"},
			{Name: "Cookie", Value: "b=2"},
		},
		AllowMetered: true,
	}
	second := &models.DownloadRecord{
		ID:          "rec-" + uuid.NewString(),
		URI:         "https://example.com/b.tar",
		Destination: "b.tar",
		Strategy:    models.StrategyArchive,
		TotalBytes:  4096,
	}
	batch := &models.Batch{ID: batchID, Title: "nightly"}

	require.NoError(t, store.CreateBatch(ctx, batch, []*models.DownloadRecord{first, second}))

	t.Run("create fills defaults", func(t *testing.T) {
		got, err := store.GetRecord(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, batchID, got.BatchID)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, models.UnknownSize, got.TotalBytes)
		assert.Equal(t, models.StrategyPlain, got.Strategy)
		assert.Equal(t, first.Headers, got.Headers)
		assert.True(t, got.AllowMetered)
		assert.False(t, got.LastModified.IsZero())

		got, err = store.GetRecord(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4096), got.TotalBytes)
		assert.Equal(t, models.StrategyArchive, got.Strategy)

		b, err := store.GetBatch(ctx, batchID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, b.Status)
		assert.Equal(t, "nightly", b.Title)
		assert.False(t, b.Started)

		recs, err := store.ListBatchRecords(ctx, batchID)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	now := time.Now()
	lease := now.Add(time.Minute)

	t.Run("claim is exclusive", func(t *testing.T) {
		assert.ElementsMatch(t, []string{first.ID, second.ID}, runnableIDs(t, store, now, batchID))

		ok, err := store.ClaimRecord(ctx, first.ID, "owner-a", now, lease)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.ClaimRecord(ctx, first.ID, "owner-b", now, lease)
		require.NoError(t, err)
		assert.False(t, ok, "live lease must not be claimed twice")

		got, err := store.GetRecord(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Status)
		assert.Equal(t, "owner-a", got.Owner)

		assert.Equal(t, []string{second.ID}, runnableIDs(t, store, now, batchID))
	})

	t.Run("progress requires the lease", func(t *testing.T) {
		err := store.UpdateProgress(ctx, first.ID, "owner-b", 10, 100, lease)
		assert.True(t, errors.Is(err, ErrLeaseLost), "got %v", err)

		require.NoError(t, store.UpdateProgress(ctx, first.ID, "owner-a", 10, 100, lease))
		got, err := store.GetRecord(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.CurrentBytes)
		assert.Equal(t, int64(100), got.TotalBytes)
	})

	later := lease.Add(time.Second)

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		assert.Contains(t, runnableIDs(t, store, later, batchID), first.ID)

		ok, err := store.ClaimRecord(ctx, first.ID, "owner-b", later, later.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		err = store.UpdateProgress(ctx, first.ID, "owner-a", 20, 100, lease)
		assert.True(t, errors.Is(err, ErrLeaseLost), "got %v", err)
	})

	t.Run("finish keeps a pause", func(t *testing.T) {
		require.NoError(t, store.SetControl(ctx, first.ID, models.ControlPaused))

		update := models.RecordUpdate{
			Status:       models.StatusWaitingToRetry,
			CurrentBytes: 50,
			TotalBytes:   100,
			NumFailed:    1,
			RetryAfter:   3 * time.Second,
			LastModified: later,
			ErrorMsg:     "HTTP_DATA_ERROR: connection reset",
			Control:      models.ControlRun,
		}
		require.NoError(t, store.FinishAttempt(ctx, first.ID, "owner-b", update))

		got, err := store.GetRecord(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaitingToRetry, got.Status)
		assert.Equal(t, models.ControlPaused, got.Control)
		assert.Equal(t, "", got.Owner)
		assert.Equal(t, 1, got.NumFailed)
		assert.Equal(t, 3*time.Second, got.RetryAfter)
		assert.Equal(t, later.UnixMilli(), got.LastModified.UnixMilli())
		assert.Equal(t, "HTTP_DATA_ERROR: connection reset", got.ErrorMsg)

		err = store.FinishAttempt(ctx, first.ID, "owner-b", update)
		assert.True(t, errors.Is(err, ErrLeaseLost), "released lease must not be written twice")
	})

	t.Run("terminal records leave the runnable set", func(t *testing.T) {
		ok, err := store.ClaimRecord(ctx, second.ID, "owner-a", later, later.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.FinishAttempt(ctx, second.ID, "owner-a", models.RecordUpdate{
			Status:       models.StatusSuccess,
			CurrentBytes: 4096,
			TotalBytes:   4096,
			LastModified: later,
			Control:      models.ControlPaused,
		}))

		got, err := store.GetRecord(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ControlPaused, got.Control)
		assert.NotContains(t, runnableIDs(t, store, later.Add(time.Hour), batchID), second.ID)

		ok, err = store.ClaimRecord(ctx, second.ID, "owner-b", later, later.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "terminal record must not be claimable")
	})

	t.Run("resume requeues a canceled record", func(t *testing.T) {
		ok, err := store.ClaimRecord(ctx, first.ID, "owner-c", later, later.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.FinishAttempt(ctx, first.ID, "owner-c", models.RecordUpdate{
			Status:       models.StatusCanceled,
			CurrentBytes: 50,
			TotalBytes:   100,
			NumFailed:    1,
			LastModified: later,
			ErrorMsg:     "CANCELED: download canceled",
			Control:      models.ControlPaused,
		}))
		assert.NotContains(t, runnableIDs(t, store, later.Add(time.Hour), batchID), first.ID)

		require.NoError(t, store.SetControl(ctx, first.ID, models.ControlRun))

		got, err := store.GetRecord(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPausedByApp, got.Status)
		assert.Equal(t, models.ControlRun, got.Control)
		assert.Equal(t, int64(50), got.CurrentBytes)
		assert.Equal(t, int64(100), got.TotalBytes)
		assert.Equal(t, 0, got.NumFailed)
		assert.Equal(t, "", got.ErrorMsg)
		assert.Contains(t, runnableIDs(t, store, later.Add(time.Hour), batchID), first.ID)

		ok, err = store.ClaimRecord(ctx, first.ID, "owner-d", later, later.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok, "resumed record must be claimable")
	})

	t.Run("resume leaves a finished download alone", func(t *testing.T) {
		require.NoError(t, store.FinishAttempt(ctx, first.ID, "owner-d", models.RecordUpdate{
			Status:       models.StatusSuccess,
			CurrentBytes: 100,
			TotalBytes:   100,
			LastModified: later,
			Control:      models.ControlPaused,
		}))

		require.NoError(t, store.SetControl(ctx, first.ID, models.ControlRun))

		got, err := store.GetRecord(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, got.Status)
		assert.Equal(t, models.ControlRun, got.Control)
		assert.NotContains(t, runnableIDs(t, store, later.Add(time.Hour), batchID), first.ID)
	})

	t.Run("resume continues an archive paused at its end marker", func(t *testing.T) {
		require.NoError(t, store.SetControl(ctx, second.ID, models.ControlRun))

		got, err := store.GetRecord(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPausedByApp, got.Status)
		assert.Equal(t, models.ControlRun, got.Control)
		assert.Equal(t, int64(4096), got.CurrentBytes)
		assert.Equal(t, models.UnknownSize, got.TotalBytes)
		assert.Contains(t, runnableIDs(t, store, later.Add(time.Hour), batchID), second.ID)
	})

	t.Run("batch compare and swap", func(t *testing.T) {
		b, err := store.GetBatch(ctx, batchID)
		require.NoError(t, err)

		expected := models.BatchState{Status: b.Status, Started: b.Started, TotalBytes: b.TotalBytes, CurrentBytes: b.CurrentBytes}
		next := models.BatchState{Status: models.StatusRunning, Started: true, TotalBytes: 4196, CurrentBytes: 4146}

		ok, err := store.CompareAndSwapBatch(ctx, batchID, expected, next)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.CompareAndSwapBatch(ctx, batchID, expected, next)
		require.NoError(t, err)
		assert.False(t, ok, "stale expectation must not win")

		b, err = store.GetBatch(ctx, batchID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, b.Status)
		assert.True(t, b.Started)
		assert.Equal(t, int64(4196), b.TotalBytes)
		assert.Equal(t, int64(4146), b.CurrentBytes)
	})

	t.Run("missing rows", func(t *testing.T) {
		_, err := store.GetRecord(ctx, "does-not-exist")
		assert.True(t, errors.Is(err, ErrNotFound))

		_, err = store.GetBatch(ctx, "does-not-exist")
		assert.True(t, errors.Is(err, ErrNotFound))

		err = store.SetControl(ctx, "does-not-exist", models.ControlPaused)
		assert.True(t, errors.Is(err, ErrNotFound))

		err = store.SetControl(ctx, "does-not-exist", models.ControlRun)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	require.NoError(t, store.HealthCheck(ctx))
}

// runnableIDs lists runnable record ids that belong to batchID
func runnableIDs(t *testing.T, store Store, now time.Time, batchID string) []string {
	t.Helper()
	recs, err := store.ListRunnable(context.Background(), now, 10000)
	require.NoError(t, err)

	var ids []string
	for _, rec := range recs {
		if rec.BatchID == batchID {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}
