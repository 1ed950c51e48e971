package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batchfetch/internal/config"
	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
)

var (
	// ErrNotFound is returned when a record or batch does not exist
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost is returned when the caller no longer owns the record lease
	ErrLeaseLost = errors.New("lease lost")
)

// Store defines the interface for database operations. Every mutation of a
// record is a single atomic update.
type Store interface {
	HealthCheck(ctx context.Context) error

	// CreateBatch inserts a batch and its records in one transaction.
	CreateBatch(ctx context.Context, batch *models.Batch, records []*models.DownloadRecord) error

	GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error)

	// ListRunnable returns records in a pending status, or RUNNING with an
	// expired lease, oldest change first.
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.DownloadRecord, error)

	// ClaimRecord takes the in-progress lease and marks the record RUNNING.
	// It returns false when the record is not claimable.
	ClaimRecord(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error)

	// UpdateProgress stores byte counts and extends the lease.
	UpdateProgress(ctx context.Context, id, owner string, current, total int64, leaseUntil time.Time) error

	// FinishAttempt writes the attempt result and releases the lease. A
	// PAUSED control in the update is sticky; RUN leaves the flag unchanged.
	FinishAttempt(ctx context.Context, id, owner string, update models.RecordUpdate) error

	SetControl(ctx context.Context, id string, control models.Control) error

	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	ListBatchRecords(ctx context.Context, batchID string) ([]*models.DownloadRecord, error)

	// CompareAndSwapBatch stores next only if the batch still holds expected.
	CompareAndSwapBatch(ctx context.Context, id string, expected, next models.BatchState) (bool, error)

	Close() error
}

// These indirection variables allow tests to override the concrete
// store constructors so we can exercise New(...) without real DBs.
var (
	newPostgresStoreFunc = func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewPostgresStore(ctx, cfg, m)
	}
	newMySQLStoreFunc = func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewMySQLStore(ctx, cfg, m)
	}
	newSQLiteStoreFunc = func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewSQLiteStore(ctx, cfg, m)
	}
	newRedisStoreFunc = func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewRedisStore(ctx, cfg, m)
	}
)

// New creates a new database store based on the configured engine
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
	switch cfg.DBEngine {
	case "postgres", "postgresql":
		return newPostgresStoreFunc(ctx, cfg, m)
	case "mysql":
		return newMySQLStoreFunc(ctx, cfg, m)
	case "sqlite", "sqlite3":
		return newSQLiteStoreFunc(ctx, cfg, m)
	case "redis":
		return newRedisStoreFunc(ctx, cfg, m)
	default:
		return nil, fmt.Errorf("unsupported database engine: %s", cfg.DBEngine)
	}
}
