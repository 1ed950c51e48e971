package dispatch

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"batchfetch/internal/database"
	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
	"batchfetch/internal/pool"
	"batchfetch/internal/retry"
)

// finishTimeout bounds the write-back after an attempt, which still runs
// during shutdown
const finishTimeout = 10 * time.Second

// Store is the part of the persistence layer the dispatcher needs
type Store interface {
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.DownloadRecord, error)
	ClaimRecord(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error)
	FinishAttempt(ctx context.Context, id, owner string, update models.RecordUpdate) error
}

// Runner performs one attempt
type Runner interface {
	Run(ctx context.Context, rec *models.DownloadRecord) models.Outcome
}

// Recomputer refreshes a batch after one of its records changed
type Recomputer interface {
	Recompute(ctx context.Context, batchID string) (models.BatchState, error)
}

// Options configures a Dispatcher
type Options struct {
	Store      Store
	Runner     Runner
	Pool       *pool.Pool
	Scheduler  *retry.Scheduler
	Monitor    Recomputer
	Owner      string // lease owner id; empty generates one
	LeaseTTL   time.Duration
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

// Dispatcher claims runnable records and runs them on the pool
type Dispatcher struct {
	store      Store
	runner     Runner
	pool       *pool.Pool
	scheduler  *retry.Scheduler
	monitor    Recomputer
	owner      string
	leaseTTL   time.Duration
	interval   time.Duration
	batchSize  int
	maxRetries int
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	now      func() time.Time
}

// New creates a dispatcher
func New(opts Options, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	owner := opts.Owner
	if owner == "" {
		owner = NewOwnerID()
	}
	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = 100
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		store:      opts.Store,
		runner:     opts.Runner,
		pool:       opts.Pool,
		scheduler:  opts.Scheduler,
		monitor:    opts.Monitor,
		owner:      owner,
		leaseTTL:   opts.LeaseTTL,
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: opts.MaxRetries,
		metrics:    m,
		logger:     logger.With(zap.String("owner", owner)),
		inflight:   make(map[string]struct{}),
		now:        time.Now,
	}
}

// NewOwnerID returns a lease owner id unique to this process
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "batchfetch"
	}
	return host + "-" + uuid.NewString()
}

// Owner returns the lease owner id
func (d *Dispatcher) Owner() string {
	return d.owner
}

// Run polls until ctx is done, then waits for running attempts to record
// their outcome
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", zap.Duration("interval", d.interval))

	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping, waiting for running downloads")
			d.pool.Close()
			d.pool.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Poll claims every ready record from one listing and submits it. It
// returns the number of records claimed.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	now := d.now()
	records, err := d.store.ListRunnable(ctx, now, d.batchSize)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if d.isInflight(rec.ID) || !d.ready(rec, now) {
			continue
		}

		leaseUntil := now.Add(d.leaseTTL)
		ok, err := d.store.ClaimRecord(ctx, rec.ID, d.owner, now, leaseUntil)
		if err != nil {
			d.logger.Warn("claim failed", zap.String("download_id", rec.ID), zap.Error(err))
			continue
		}
		if !ok {
			d.metrics.ClaimConflictsTotal.Inc()
			continue
		}

		rec.Owner = d.owner
		rec.LeaseExpires = leaseUntil
		rec.Status = models.StatusRunning
		rec.LastModified = now

		d.setInflight(rec.ID, true)
		if err := d.pool.Submit(func() { d.execute(ctx, rec) }); err != nil {
			d.setInflight(rec.ID, false)
			d.release(ctx, rec)
			return claimed, err
		}
		claimed++
		d.recompute(ctx, rec.BatchID)
	}
	return claimed, nil
}

// ready reports whether a listed record may start now. Records waiting on
// the network are always tried; the engine re-checks the policy.
func (d *Dispatcher) ready(rec *models.DownloadRecord, now time.Time) bool {
	if rec.Status == models.StatusWaitingToRetry {
		return d.scheduler.Ready(rec, now)
	}
	return true
}

func (d *Dispatcher) execute(ctx context.Context, rec *models.DownloadRecord) {
	defer d.setInflight(rec.ID, false)

	out := d.runner.Run(ctx, rec)
	update := Resolve(rec, out, d.maxRetries, d.now())

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err := d.store.FinishAttempt(finishCtx, rec.ID, d.owner, update); err != nil {
		if errors.Is(err, database.ErrLeaseLost) {
			d.logger.Warn("lease lost before outcome was recorded", zap.String("download_id", rec.ID))
		} else {
			d.logger.Error("failed to record outcome", zap.String("download_id", rec.ID), zap.Error(err))
		}
		return
	}

	if update.Status == models.StatusWaitingToRetry {
		d.metrics.RetriesScheduled.Inc()
		next := *rec
		next.NumFailed = update.NumFailed
		next.RetryAfter = update.RetryAfter
		next.LastModified = update.LastModified
		d.logger.Info("retry scheduled",
			zap.String("download_id", rec.ID),
			zap.Int("num_failed", update.NumFailed),
			zap.String("eligible", humanize.Time(d.scheduler.NextEligibleTime(&next, update.LastModified))),
		)
	}

	d.recompute(finishCtx, rec.BatchID)
}

// release hands a claimed record back unchanged when it could not be queued
func (d *Dispatcher) release(ctx context.Context, rec *models.DownloadRecord) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	err := d.store.FinishAttempt(finishCtx, rec.ID, d.owner, models.RecordUpdate{
		Status:       models.StatusPausedByApp,
		CurrentBytes: rec.CurrentBytes,
		TotalBytes:   rec.TotalBytes,
		NumFailed:    rec.NumFailed,
		RetryAfter:   rec.RetryAfter,
		LastModified: d.now(),
		ErrorMsg:     "interrupted by shutdown",
	})
	if err != nil {
		d.logger.Warn("failed to release claim", zap.String("download_id", rec.ID), zap.Error(err))
	}
}

func (d *Dispatcher) recompute(ctx context.Context, batchID string) {
	if d.monitor == nil || batchID == "" {
		return
	}
	if _, err := d.monitor.Recompute(ctx, batchID); err != nil {
		d.logger.Warn("batch recompute failed", zap.String("batch_id", batchID), zap.Error(err))
	}
}

func (d *Dispatcher) isInflight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[id]
	return ok
}

func (d *Dispatcher) setInflight(id string, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.inflight[id] = struct{}{}
	} else {
		delete(d.inflight, id)
	}
}
