package database

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"batchfetch/internal/models"
)

// dialect selects DDL and placeholder style
type dialect int

const (
	dialectPostgres dialect = iota
	dialectMySQL
	dialectSQLite
)

func (d dialect) String() string {
	switch d {
	case dialectPostgres:
		return "postgres"
	case dialectMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// runnableStatuses are the statuses ListRunnable and ClaimRecord accept
var runnableStatuses = []models.Status{
	models.StatusPending,
	models.StatusRunning,
	models.StatusPausedByApp,
	models.StatusWaitingToRetry,
	models.StatusWaitingForNetwork,
	models.StatusQueuedForWifi,
}

const recordColumns = "id, batch_id, uri, headers, destination, strategy, status, current_bytes, total_bytes, " +
	"num_failed, retry_after_ms, last_modified_ms, error_msg, allow_roaming, allow_metered, " +
	"bypass_size_limit, control, owner, lease_expires_ms"

// queries holds the SQL for one dialect and table pair
type queries struct {
	schema []string

	insertBatch  string
	insertRecord string
	getRecord    string
	listRunnable string
	claim        string
	progress     string
	finish       string
	setControl   string
	resume       string
	getBatch     string
	listBatch    string
	casBatch     string
}

func newQueries(d dialect, downloads, batches string) *queries {
	inList := statusList()
	q := &queries{
		schema: schemaFor(d, downloads, batches),

		insertBatch: fmt.Sprintf(
			"INSERT INTO %s (id, title, description, status, started, total_bytes, current_bytes) VALUES (?, ?, ?, ?, ?, ?, ?)",
			batches),
		insertRecord: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			downloads, recordColumns),
		getRecord: fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", recordColumns, downloads),
		listRunnable: fmt.Sprintf(
			"SELECT %s FROM %s WHERE status IN (%s) AND (owner = '' OR lease_expires_ms < ?) ORDER BY last_modified_ms, id LIMIT ?",
			recordColumns, downloads, inList),
		claim: fmt.Sprintf(
			"UPDATE %s SET owner = ?, lease_expires_ms = ?, status = %d, last_modified_ms = ? "+
				"WHERE id = ? AND status IN (%s) AND (owner = '' OR lease_expires_ms < ?)",
			downloads, models.StatusRunning, inList),
		progress: fmt.Sprintf(
			"UPDATE %s SET current_bytes = ?, total_bytes = ?, lease_expires_ms = ? WHERE id = ? AND owner = ?",
			downloads),
		finish: fmt.Sprintf(
			"UPDATE %s SET status = ?, current_bytes = ?, total_bytes = ?, num_failed = ?, retry_after_ms = ?, "+
				"last_modified_ms = ?, error_msg = ?, control = CASE WHEN ? = %d THEN %d ELSE control END, "+
				"owner = '', lease_expires_ms = 0 WHERE id = ? AND owner = ?",
			downloads, models.ControlPaused, models.ControlPaused),
		setControl: fmt.Sprintf("UPDATE %s SET control = ? WHERE id = ?", downloads),
		resume:     resumeQuery(downloads),
		getBatch: fmt.Sprintf(
			"SELECT id, title, description, status, started, total_bytes, current_bytes FROM %s WHERE id = ?",
			batches),
		listBatch: fmt.Sprintf("SELECT %s FROM %s WHERE batch_id = ? ORDER BY id", recordColumns, downloads),
		casBatch: fmt.Sprintf(
			"UPDATE %s SET status = ?, started = ?, total_bytes = ?, current_bytes = ? "+
				"WHERE id = ? AND status = ? AND started = ? AND total_bytes = ? AND current_bytes = ?",
			batches),
	}

	if d == dialectPostgres {
		for _, p := range []*string{
			&q.insertBatch, &q.insertRecord, &q.getRecord, &q.listRunnable, &q.claim, &q.progress,
			&q.finish, &q.setControl, &q.resume, &q.getBatch, &q.listBatch, &q.casBatch,
		} {
			*p = rebind(*p)
		}
	}
	return q
}

// resumeQuery clears the pause flag and puts a stopped record back in the
// runnable set, keeping its byte offset. Assignments that read status or
// control come before the ones that write them, since MySQL applies SET
// clauses left to right.
func resumeQuery(downloads string) string {
	archive := fmt.Sprintf("(status = %d AND control = %d AND strategy = '%s')",
		models.StatusSuccess, models.ControlPaused, models.StrategyArchive)
	stopped := fmt.Sprintf("(status = %d OR %s)", models.StatusCanceled, archive)
	return fmt.Sprintf(
		"UPDATE %s SET "+
			"total_bytes = CASE WHEN %s THEN %d ELSE total_bytes END, "+
			"num_failed = CASE WHEN %s THEN 0 ELSE num_failed END, "+
			"retry_after_ms = CASE WHEN %s THEN 0 ELSE retry_after_ms END, "+
			"error_msg = CASE WHEN %s THEN '' ELSE error_msg END, "+
			"last_modified_ms = CASE WHEN %s THEN ? ELSE last_modified_ms END, "+
			"status = CASE WHEN %s THEN (CASE WHEN current_bytes > 0 THEN %d ELSE %d END) ELSE status END, "+
			"control = %d WHERE id = ?",
		downloads,
		archive, models.UnknownSize,
		stopped, stopped, stopped, stopped,
		stopped, models.StatusPausedByApp, models.StatusPending,
		models.ControlRun)
}

func statusList() string {
	parts := make([]string, len(runnableStatuses))
	for i, s := range runnableStatuses {
		parts[i] = strconv.Itoa(int(s))
	}
	return strings.Join(parts, ", ")
}

// rebind rewrites ? placeholders as $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func schemaFor(d dialect, downloads, batches string) []string {
	bigint, boolean := "BIGINT", "BOOLEAN"
	if d == dialectSQLite {
		bigint = "INTEGER"
	}

	batchDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(191) PRIMARY KEY,
	title VARCHAR(512) NOT NULL,
	description TEXT NOT NULL,
	status INTEGER NOT NULL,
	started %s NOT NULL,
	total_bytes %s NOT NULL,
	current_bytes %s NOT NULL
)`, batches, boolean, bigint, bigint)

	indexes := ""
	if d == dialectMySQL {
		indexes = ",\n\tINDEX idx_batch (batch_id),\n\tINDEX idx_status (status, last_modified_ms)"
	}

	downloadDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(191) PRIMARY KEY,
	batch_id VARCHAR(191) NOT NULL,
	uri TEXT NOT NULL,
	headers TEXT NOT NULL,
	destination TEXT NOT NULL,
	strategy VARCHAR(32) NOT NULL,
	status INTEGER NOT NULL,
	current_bytes %[2]s NOT NULL,
	total_bytes %[2]s NOT NULL,
	num_failed INTEGER NOT NULL,
	retry_after_ms %[2]s NOT NULL,
	last_modified_ms %[2]s NOT NULL,
	error_msg VARCHAR(512) NOT NULL,
	allow_roaming %[3]s NOT NULL,
	allow_metered %[3]s NOT NULL,
	bypass_size_limit %[3]s NOT NULL,
	control INTEGER NOT NULL,
	owner VARCHAR(191) NOT NULL,
	lease_expires_ms %[2]s NOT NULL%[4]s
)`, downloads, bigint, boolean, indexes)

	stmts := []string{batchDDL, downloadDDL}
	if d != dialectMySQL {
		stmts = append(stmts,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_batch ON %s (batch_id)", downloads, downloads),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status, last_modified_ms)", downloads, downloads),
		)
	}
	return stmts
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.DownloadRecord, error) {
	var (
		rec                        models.DownloadRecord
		headersJSON                string
		status, numFailed, control int
		retryAfterMs, lastModMs    int64
		leaseMs                    int64
	)

	err := row.Scan(
		&rec.ID, &rec.BatchID, &rec.URI, &headersJSON, &rec.Destination, &rec.Strategy,
		&status, &rec.CurrentBytes, &rec.TotalBytes, &numFailed, &retryAfterMs, &lastModMs,
		&rec.ErrorMsg, &rec.AllowRoaming, &rec.AllowMetered, &rec.BypassRecommendedSizeLimit,
		&control, &rec.Owner, &leaseMs,
	)
	if err != nil {
		return nil, err
	}

	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &rec.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}

	rec.Status = models.Status(status)
	rec.NumFailed = numFailed
	rec.Control = models.Control(control)
	rec.RetryAfter = time.Duration(retryAfterMs) * time.Millisecond
	rec.LastModified = fromMillis(lastModMs)
	rec.LeaseExpires = fromMillis(leaseMs)
	return &rec, nil
}

func recordArgs(rec *models.DownloadRecord) ([]any, error) {
	headers := rec.Headers
	if headers == nil {
		headers = []models.Header{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	strategy := rec.Strategy
	if strategy == "" {
		strategy = models.StrategyPlain
	}
	return []any{
		rec.ID, rec.BatchID, rec.URI, string(headersJSON), rec.Destination, strategy,
		int(rec.Status), rec.CurrentBytes, rec.TotalBytes, rec.NumFailed, rec.RetryAfter.Milliseconds(),
		toMillis(rec.LastModified), rec.ErrorMsg, rec.AllowRoaming, rec.AllowMetered,
		rec.BypassRecommendedSizeLimit, int(rec.Control), rec.Owner, toMillis(rec.LeaseExpires),
	}, nil
}

func finishArgs(id, owner string, u models.RecordUpdate) []any {
	return []any{
		int(u.Status), u.CurrentBytes, u.TotalBytes, u.NumFailed, u.RetryAfter.Milliseconds(),
		toMillis(u.LastModified), truncateMsg(u.ErrorMsg), int(u.Control), id, owner,
	}
}

func casArgs(id string, expected, next models.BatchState) []any {
	return []any{
		int(next.Status), next.Started, next.TotalBytes, next.CurrentBytes,
		id, int(expected.Status), expected.Started, expected.TotalBytes, expected.CurrentBytes,
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func truncateMsg(s string) string {
	if len(s) > 512 {
		return s[:512]
	}
	return s
}

// prepareBatch fills defaults on a new batch and its records
func prepareBatch(batch *models.Batch, records []*models.DownloadRecord, now time.Time) {
	if batch.Status == 0 {
		batch.Status = models.StatusPending
	}
	for _, rec := range records {
		rec.BatchID = batch.ID
		if rec.Status == 0 {
			rec.Status = models.StatusPending
		}
		if rec.LastModified.IsZero() {
			rec.LastModified = now
		}
		if rec.TotalBytes == 0 && rec.CurrentBytes == 0 {
			rec.TotalBytes = models.UnknownSize
		}
	}
}
