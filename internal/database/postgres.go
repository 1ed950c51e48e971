package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"batchfetch/internal/config"
	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
)

// PostgresStore implements Store for PostgreSQL
type PostgresStore struct {
	pool    *pgxpool.Pool
	q       *queries
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config error: %w", err)
	}
	if cfg.DBMaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.DBMaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect error: %w", err)
	}

	s := &PostgresStore{
		pool:    pool,
		q:       newQueries(dialectPostgres, cfg.DownloadsTable, cfg.BatchesTable),
		timeout: cfg.DatabaseQueryTimeout,
		metrics: m,
	}

	if cfg.DBAutoMigrate {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for _, stmt := range s.q.schema {
		if _, err := s.pool.Exec(queryCtx, stmt); err != nil {
			return fmt.Errorf("postgres migrate error: %w", err)
		}
	}
	return nil
}

// observe starts a query timer and applies the query timeout
func (s *PostgresStore) observe(ctx context.Context) (context.Context, func()) {
	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	return queryCtx, func() {
		cancel()
		s.metrics.DatabaseQueryDuration.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
	}
}

// HealthCheck pings the database
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	queryCtx, done := s.observe(ctx)
	defer done()
	return s.pool.Ping(queryCtx)
}

// CreateBatch inserts a batch and its records
func (s *PostgresStore) CreateBatch(ctx context.Context, batch *models.Batch, records []*models.DownloadRecord) error {
	queryCtx, done := s.observe(ctx)
	defer done()

	prepareBatch(batch, records, time.Now())

	tx, err := s.pool.Begin(queryCtx)
	if err != nil {
		return err
	}
	defer tx.Rollback(queryCtx)

	_, err = tx.Exec(queryCtx, s.q.insertBatch,
		batch.ID, batch.Title, batch.Description, int(batch.Status), batch.Started, batch.TotalBytes, batch.CurrentBytes)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for _, rec := range records {
		args, err := recordArgs(rec)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(queryCtx, s.q.insertRecord, args...); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}

	return tx.Commit(queryCtx)
}

// GetRecord retrieves a download record by ID
func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	rec, err := scanRecord(s.pool.QueryRow(queryCtx, s.q.getRecord, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListRunnable returns records an attempt may be started for
func (s *PostgresStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.DownloadRecord, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	rows, err := s.pool.Query(queryCtx, s.q.listRunnable, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return collectPgx(rows)
}

// ClaimRecord takes the in-progress lease
func (s *PostgresStore) ClaimRecord(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	tag, err := s.pool.Exec(queryCtx, s.q.claim, owner, leaseUntil.UnixMilli(), now.UnixMilli(), id, now.UnixMilli())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress stores byte counts and extends the lease
func (s *PostgresStore) UpdateProgress(ctx context.Context, id, owner string, current, total int64, leaseUntil time.Time) error {
	queryCtx, done := s.observe(ctx)
	defer done()

	tag, err := s.pool.Exec(queryCtx, s.q.progress, current, total, leaseUntil.UnixMilli(), id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FinishAttempt writes the attempt result and releases the lease
func (s *PostgresStore) FinishAttempt(ctx context.Context, id, owner string, update models.RecordUpdate) error {
	queryCtx, done := s.observe(ctx)
	defer done()

	tag, err := s.pool.Exec(queryCtx, s.q.finish, finishArgs(id, owner, update)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SetControl sets the cooperative run flag. ControlRun also returns a
// canceled record, or an archive paused at its end marker, to the queue.
func (s *PostgresStore) SetControl(ctx context.Context, id string, control models.Control) error {
	queryCtx, done := s.observe(ctx)
	defer done()

	query, args := s.q.setControl, []any{int(control), id}
	if control == models.ControlRun {
		query, args = s.q.resume, []any{toMillis(time.Now()), id}
	}
	tag, err := s.pool.Exec(queryCtx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBatch retrieves a batch by ID
func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	var b models.Batch
	var status int
	err := s.pool.QueryRow(queryCtx, s.q.getBatch, id).Scan(
		&b.ID, &b.Title, &b.Description, &status, &b.Started, &b.TotalBytes, &b.CurrentBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = models.Status(status)
	return &b, nil
}

// ListBatchRecords returns every record of a batch from one query
func (s *PostgresStore) ListBatchRecords(ctx context.Context, batchID string) ([]*models.DownloadRecord, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	rows, err := s.pool.Query(queryCtx, s.q.listBatch, batchID)
	if err != nil {
		return nil, err
	}
	return collectPgx(rows)
}

// CompareAndSwapBatch updates the derived batch state if unchanged
func (s *PostgresStore) CompareAndSwapBatch(ctx context.Context, id string, expected, next models.BatchState) (bool, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	tag, err := s.pool.Exec(queryCtx, s.q.casBatch, casArgs(id, expected, next)...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func collectPgx(rows pgx.Rows) ([]*models.DownloadRecord, error) {
	defer rows.Close()

	var out []*models.DownloadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
