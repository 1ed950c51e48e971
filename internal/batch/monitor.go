package batch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"batchfetch/internal/events"
	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
)

// maxSwapAttempts bounds re-reads when another writer changed the batch row
const maxSwapAttempts = 5

// ErrConflict is returned when the batch kept changing under every attempt
var ErrConflict = errors.New("batch changed concurrently")

// Store is the part of the persistence layer the monitor needs
type Store interface {
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	ListBatchRecords(ctx context.Context, batchID string) ([]*models.DownloadRecord, error)
	CompareAndSwapBatch(ctx context.Context, id string, expected, next models.BatchState) (bool, error)
}

// Monitor keeps stored batch status in line with its members and emits
// lifecycle events on transitions
type Monitor struct {
	store       Store
	publisher   events.Publisher
	concurrency int
	metrics     *metrics.Metrics
	logger      *zap.Logger

	group singleflight.Group
}

// NewMonitor creates a monitor. concurrency bounds RecomputeAll.
func NewMonitor(store Store, publisher events.Publisher, concurrency int, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Monitor{
		store:       store,
		publisher:   publisher,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger,
	}
}

// Recompute aggregates the batch from one snapshot of its members and stores
// the result. Concurrent calls for the same batch share one computation.
func (m *Monitor) Recompute(ctx context.Context, batchID string) (models.BatchState, error) {
	v, err, _ := m.group.Do(batchID, func() (interface{}, error) {
		return m.recompute(ctx, batchID)
	})
	if err != nil {
		return models.BatchState{}, err
	}
	return v.(models.BatchState), nil
}

// RecomputeAll recomputes every batch in ids
func (m *Monitor) RecomputeAll(ctx context.Context, ids []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			if _, err := m.Recompute(ctx, id); err != nil {
				return fmt.Errorf("batch %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) recompute(ctx context.Context, batchID string) (models.BatchState, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		b, err := m.store.GetBatch(ctx, batchID)
		if err != nil {
			return models.BatchState{}, err
		}
		records, err := m.store.ListBatchRecords(ctx, batchID)
		if err != nil {
			return models.BatchState{}, err
		}

		current := models.BatchState{
			Status:       b.Status,
			Started:      b.Started,
			TotalBytes:   b.TotalBytes,
			CurrentBytes: b.CurrentBytes,
		}
		next := Summarize(records)
		next.Started = next.Started || current.Started

		if next == current {
			return next, nil
		}

		swapped, err := m.store.CompareAndSwapBatch(ctx, batchID, current, next)
		if err != nil {
			return models.BatchState{}, err
		}
		if !swapped {
			continue
		}

		m.announce(ctx, batchID, current, next)
		return next, nil
	}
	return models.BatchState{}, ErrConflict
}

// announce runs only for the caller that won the swap, so each transition is
// published once
func (m *Monitor) announce(ctx context.Context, batchID string, from, to models.BatchState) {
	if to.Status != from.Status {
		m.metrics.BatchTransitions.WithLabelValues(to.Status.String()).Inc()
		m.logger.Info("batch status changed",
			zap.String("batch_id", batchID),
			zap.Stringer("from", from.Status),
			zap.Stringer("to", to.Status),
		)
	}

	var out []events.Event
	if to.Started && !from.Started {
		out = append(out, events.New(events.BatchStarted, batchID, to.Status))
	}
	if to.Status != from.Status {
		switch {
		case to.Status == models.StatusSuccess:
			out = append(out, events.New(events.BatchCompleted, batchID, to.Status))
		case to.Status.IsError():
			out = append(out, events.New(events.BatchFailed, batchID, to.Status))
		}
	}

	for _, e := range out {
		if err := m.publisher.Publish(ctx, e); err != nil {
			m.logger.Warn("failed to publish batch event",
				zap.String("batch_id", batchID),
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
		}
	}
}
