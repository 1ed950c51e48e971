package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
)

// SQLStore implements Store on database/sql for MySQL and SQLite
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	q       *queries
	timeout time.Duration
	metrics *metrics.Metrics
}

func newSQLStore(db *sql.DB, d dialect, downloads, batches string, timeout time.Duration, m *metrics.Metrics) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: d,
		q:       newQueries(d, downloads, batches),
		timeout: timeout,
		metrics: m,
	}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for _, stmt := range s.q.schema {
		if _, err := s.db.ExecContext(queryCtx, stmt); err != nil {
			return fmt.Errorf("%s migrate error: %w", s.dialect, err)
		}
	}
	return nil
}

func (s *SQLStore) observe(ctx context.Context) (context.Context, func()) {
	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	return queryCtx, func() {
		cancel()
		s.metrics.DatabaseQueryDuration.WithLabelValues(s.dialect.String()).Observe(time.Since(start).Seconds())
	}
}

// HealthCheck pings the database
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	queryCtx, done := s.observe(ctx)
	defer done()
	return s.db.PingContext(queryCtx)
}

// CreateBatch inserts a batch and its records
func (s *SQLStore) CreateBatch(ctx context.Context, batch *models.Batch, records []*models.DownloadRecord) error {
	queryCtx, done := s.observe(ctx)
	defer done()

	prepareBatch(batch, records, time.Now())

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(queryCtx, s.q.insertBatch,
		batch.ID, batch.Title, batch.Description, int(batch.Status), batch.Started, batch.TotalBytes, batch.CurrentBytes)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for _, rec := range records {
		args, err := recordArgs(rec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(queryCtx, s.q.insertRecord, args...); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}

	return tx.Commit()
}

// GetRecord retrieves a download record by ID
func (s *SQLStore) GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	rec, err := scanRecord(s.db.QueryRowContext(queryCtx, s.q.getRecord, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListRunnable returns records an attempt may be started for
func (s *SQLStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.DownloadRecord, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	rows, err := s.db.QueryContext(queryCtx, s.q.listRunnable, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return collectSQL(rows)
}

// ClaimRecord takes the in-progress lease
func (s *SQLStore) ClaimRecord(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error) {
	n, err := s.exec(ctx, s.q.claim, owner, leaseUntil.UnixMilli(), now.UnixMilli(), id, now.UnixMilli())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateProgress stores byte counts and extends the lease
func (s *SQLStore) UpdateProgress(ctx context.Context, id, owner string, current, total int64, leaseUntil time.Time) error {
	n, err := s.exec(ctx, s.q.progress, current, total, leaseUntil.UnixMilli(), id, owner)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FinishAttempt writes the attempt result and releases the lease
func (s *SQLStore) FinishAttempt(ctx context.Context, id, owner string, update models.RecordUpdate) error {
	n, err := s.exec(ctx, s.q.finish, finishArgs(id, owner, update)...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SetControl sets the cooperative run flag. ControlRun also returns a
// canceled record, or an archive paused at its end marker, to the queue.
func (s *SQLStore) SetControl(ctx context.Context, id string, control models.Control) error {
	query, args := s.q.setControl, []any{int(control), id}
	if control == models.ControlRun {
		query, args = s.q.resume, []any{toMillis(time.Now()), id}
	}
	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBatch retrieves a batch by ID
func (s *SQLStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	var b models.Batch
	var status int
	err := s.db.QueryRowContext(queryCtx, s.q.getBatch, id).Scan(
		&b.ID, &b.Title, &b.Description, &status, &b.Started, &b.TotalBytes, &b.CurrentBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = models.Status(status)
	return &b, nil
}

// ListBatchRecords returns every record of a batch from one query
func (s *SQLStore) ListBatchRecords(ctx context.Context, batchID string) ([]*models.DownloadRecord, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	rows, err := s.db.QueryContext(queryCtx, s.q.listBatch, batchID)
	if err != nil {
		return nil, err
	}
	return collectSQL(rows)
}

// CompareAndSwapBatch updates the derived batch state if unchanged
func (s *SQLStore) CompareAndSwapBatch(ctx context.Context, id string, expected, next models.BatchState) (bool, error) {
	n, err := s.exec(ctx, s.q.casBatch, casArgs(id, expected, next)...)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// exec runs an update and returns the number of matched rows
func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	res, err := s.db.ExecContext(queryCtx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectSQL(rows *sql.Rows) ([]*models.DownloadRecord, error) {
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

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
