package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"batchfetch/internal/config"
	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
)

// Keys:
//
//	<prefix>download:<id>        hash of record fields
//	<prefix>batch:<id>           hash of batch fields
//	<prefix>batch:<id>:members   set of record ids
//	<prefix>runnable             sorted set of non-terminal record ids by last change

// claimScript takes the lease if the record is in a runnable status and unowned or expired.
var claimScript = redis.NewScript(`
local st = tonumber(redis.call('HGET', KEYS[1], 'status'))
if not st then return 0 end
if not (st == 190 or (st >= 192 and st <= 196)) then return 0 end
local owner = redis.call('HGET', KEYS[1], 'owner')
local lease = tonumber(redis.call('HGET', KEYS[1], 'lease_expires_ms') or '0')
if owner and owner ~= '' and lease >= tonumber(ARGV[3]) then return 0 end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'lease_expires_ms', ARGV[2], 'status', 192, 'last_modified_ms', ARGV[3])
return 1
`)

var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'current_bytes', ARGV[2], 'total_bytes', ARGV[3], 'lease_expires_ms', ARGV[4])
return 1
`)

// finishScript writes the result, releases the lease and keeps the runnable index current.
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1],
  'status', ARGV[2], 'current_bytes', ARGV[3], 'total_bytes', ARGV[4], 'num_failed', ARGV[5],
  'retry_after_ms', ARGV[6], 'last_modified_ms', ARGV[7], 'error_msg', ARGV[8],
  'owner', '', 'lease_expires_ms', 0)
if ARGV[9] == '1' then redis.call('HSET', KEYS[1], 'control', 1) end
local st = tonumber(ARGV[2])
if st == 190 or (st >= 192 and st <= 196) then
  redis.call('ZADD', KEYS[2], ARGV[7], ARGV[10])
else
  redis.call('ZREM', KEYS[2], ARGV[10])
end
return 1
`)

// resumeScript clears the pause flag; a canceled record, or an archive paused
// at its end marker, goes back to the runnable index with its offset kept.
var resumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local f = redis.call('HMGET', KEYS[1], 'status', 'control', 'strategy', 'current_bytes')
local st = tonumber(f[1])
local archive = st == 200 and f[2] == '1' and f[3] == 'archive'
if st == 490 or archive then
  if archive then redis.call('HSET', KEYS[1], 'total_bytes', -1) end
  local next = 190
  if tonumber(f[4] or '0') > 0 then next = 193 end
  redis.call('HSET', KEYS[1], 'status', next, 'num_failed', 0, 'retry_after_ms', 0,
    'error_msg', '', 'last_modified_ms', ARGV[1])
  redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
end
redis.call('HSET', KEYS[1], 'control', 0)
return 1
`)

var casBatchScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'started', 'total_bytes', 'current_bytes')
if cur[1] == false then return 0 end
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] or cur[3] ~= ARGV[3] or cur[4] ~= ARGV[4] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[5], 'started', ARGV[6], 'total_bytes', ARGV[7], 'current_bytes', ARGV[8])
return 1
`)

// RedisStore implements Store for Redis
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// NewRedisStore creates a new Redis store
func NewRedisStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("redis parse url error: %w", err)
	}

	// Configure connection pool
	if cfg.DBMaxConnections > 0 {
		opts.PoolSize = cfg.DBMaxConnections
		opts.MinIdleConns = min(2, cfg.DBMaxConnections)
	}
	opts.ConnMaxLifetime = 1 * time.Hour
	opts.ConnMaxIdleTime = 30 * time.Minute

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connect error: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		timeout:   cfg.DatabaseQueryTimeout,
		metrics:   m,
	}, nil
}

func (s *RedisStore) recordKey(id string) string  { return s.keyPrefix + "download:" + id }
func (s *RedisStore) batchKey(id string) string   { return s.keyPrefix + "batch:" + id }
func (s *RedisStore) membersKey(id string) string { return s.keyPrefix + "batch:" + id + ":members" }
func (s *RedisStore) runnableKey() string         { return s.keyPrefix + "runnable" }

func (s *RedisStore) observe(ctx context.Context) (context.Context, func()) {
	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	return queryCtx, func() {
		cancel()
		s.metrics.DatabaseQueryDuration.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}
}

// HealthCheck pings the server
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	queryCtx, done := s.observe(ctx)
	defer done()
	return s.client.Ping(queryCtx).Err()
}

// CreateBatch writes the batch, its records and the indexes in one MULTI/EXEC
func (s *RedisStore) CreateBatch(ctx context.Context, batch *models.Batch, records []*models.DownloadRecord) error {
	queryCtx, done := s.observe(ctx)
	defer done()

	prepareBatch(batch, records, time.Now())

	fields := make([]map[string]any, len(records))
	for i, rec := range records {
		f, err := recordToHash(rec)
		if err != nil {
			return err
		}
		fields[i] = f
	}

	_, err := s.client.TxPipelined(queryCtx, func(pipe redis.Pipeliner) error {
		pipe.HSet(queryCtx, s.batchKey(batch.ID), map[string]any{
			"id":            batch.ID,
			"title":         batch.Title,
			"description":   batch.Description,
			"status":        int(batch.Status),
			"started":       boolString(batch.Started),
			"total_bytes":   batch.TotalBytes,
			"current_bytes": batch.CurrentBytes,
		})
		for i, rec := range records {
			pipe.HSet(queryCtx, s.recordKey(rec.ID), fields[i])
			pipe.SAdd(queryCtx, s.membersKey(batch.ID), rec.ID)
			if !rec.Status.IsTerminal() {
				pipe.ZAdd(queryCtx, s.runnableKey(), redis.Z{Score: float64(toMillis(rec.LastModified)), Member: rec.ID})
			}
		}
		return nil
	})
	return err
}

// GetRecord retrieves a download record by ID
func (s *RedisStore) GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	data, err := s.client.HGetAll(queryCtx, s.recordKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return hashToRecord(data)
}

// ListRunnable walks the runnable index oldest first and skips live leases
func (s *RedisStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.DownloadRecord, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	const page = 256
	var out []*models.DownloadRecord
	for start := int64(0); len(out) < limit; start += page {
		ids, err := s.client.ZRange(queryCtx, s.runnableKey(), start, start+page-1).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}

		recs, err := s.getMany(queryCtx, ids)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.Owner != "" && !rec.LeaseExpires.Before(now) {
				continue
			}
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *RedisStore) getMany(ctx context.Context, ids []string) ([]*models.DownloadRecord, error) {
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*models.DownloadRecord, 0, len(ids))
	for _, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			continue
		}
		rec, err := hashToRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ClaimRecord takes the in-progress lease
func (s *RedisStore) ClaimRecord(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	n, err := claimScript.Run(queryCtx, s.client, []string{s.recordKey(id)},
		owner, leaseUntil.UnixMilli(), now.UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateProgress stores byte counts and extends the lease
func (s *RedisStore) UpdateProgress(ctx context.Context, id, owner string, current, total int64, leaseUntil time.Time) error {
	queryCtx, done := s.observe(ctx)
	defer done()

	n, err := progressScript.Run(queryCtx, s.client, []string{s.recordKey(id)},
		owner, current, total, leaseUntil.UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FinishAttempt writes the attempt result and releases the lease
func (s *RedisStore) FinishAttempt(ctx context.Context, id, owner string, u models.RecordUpdate) error {
	queryCtx, done := s.observe(ctx)
	defer done()

	pause := "0"
	if u.Control == models.ControlPaused {
		pause = "1"
	}
	n, err := finishScript.Run(queryCtx, s.client, []string{s.recordKey(id), s.runnableKey()},
		owner, int(u.Status), u.CurrentBytes, u.TotalBytes, u.NumFailed, u.RetryAfter.Milliseconds(),
		toMillis(u.LastModified), truncateMsg(u.ErrorMsg), pause, id).Int()
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
func (s *RedisStore) SetControl(ctx context.Context, id string, control models.Control) error {
	queryCtx, done := s.observe(ctx)
	defer done()

	if control == models.ControlRun {
		n, err := resumeScript.Run(queryCtx, s.client, []string{s.recordKey(id), s.runnableKey()},
			toMillis(time.Now()), id).Int()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	}

	exists, err := s.client.Exists(queryCtx, s.recordKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.client.HSet(queryCtx, s.recordKey(id), "control", int(control)).Err()
}

// GetBatch retrieves a batch by ID
func (s *RedisStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	data, err := s.client.HGetAll(queryCtx, s.batchKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}

	status, _ := strconv.Atoi(data["status"])
	total, _ := strconv.ParseInt(data["total_bytes"], 10, 64)
	current, _ := strconv.ParseInt(data["current_bytes"], 10, 64)
	return &models.Batch{
		ID:           data["id"],
		Title:        data["title"],
		Description:  data["description"],
		Status:       models.Status(status),
		Started:      data["started"] == "1",
		TotalBytes:   total,
		CurrentBytes: current,
	}, nil
}

// ListBatchRecords returns every record of a batch from one pipelined read
func (s *RedisStore) ListBatchRecords(ctx context.Context, batchID string) ([]*models.DownloadRecord, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	ids, err := s.client.SMembers(queryCtx, s.membersKey(batchID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.getMany(queryCtx, ids)
}

// CompareAndSwapBatch updates the derived batch state if unchanged
func (s *RedisStore) CompareAndSwapBatch(ctx context.Context, id string, expected, next models.BatchState) (bool, error) {
	queryCtx, done := s.observe(ctx)
	defer done()

	n, err := casBatchScript.Run(queryCtx, s.client, []string{s.batchKey(id)},
		strconv.Itoa(int(expected.Status)), boolString(expected.Started),
		strconv.FormatInt(expected.TotalBytes, 10), strconv.FormatInt(expected.CurrentBytes, 10),
		int(next.Status), boolString(next.Started), next.TotalBytes, next.CurrentBytes).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func recordToHash(rec *models.DownloadRecord) (map[string]any, error) {
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	strategy := rec.Strategy
	if strategy == "" {
		strategy = models.StrategyPlain
	}
	return map[string]any{
		"id":                rec.ID,
		"batch_id":          rec.BatchID,
		"uri":               rec.URI,
		"headers":           string(headers),
		"destination":       rec.Destination,
		"strategy":          strategy,
		"status":            int(rec.Status),
		"current_bytes":     rec.CurrentBytes,
		"total_bytes":       rec.TotalBytes,
		"num_failed":        rec.NumFailed,
		"retry_after_ms":    rec.RetryAfter.Milliseconds(),
		"last_modified_ms":  toMillis(rec.LastModified),
		"error_msg":         rec.ErrorMsg,
		"allow_roaming":     boolString(rec.AllowRoaming),
		"allow_metered":     boolString(rec.AllowMetered),
		"bypass_size_limit": boolString(rec.BypassRecommendedSizeLimit),
		"control":           int(rec.Control),
		"owner":             rec.Owner,
		"lease_expires_ms":  toMillis(rec.LeaseExpires),
	}, nil
}

func hashToRecord(h map[string]string) (*models.DownloadRecord, error) {
	num := func(key string) int64 {
		v, _ := strconv.ParseInt(h[key], 10, 64)
		return v
	}

	rec := &models.DownloadRecord{
		ID:                         h["id"],
		BatchID:                    h["batch_id"],
		URI:                        h["uri"],
		Destination:                h["destination"],
		Strategy:                   h["strategy"],
		Status:                     models.Status(num("status")),
		CurrentBytes:               num("current_bytes"),
		TotalBytes:                 num("total_bytes"),
		NumFailed:                  int(num("num_failed")),
		RetryAfter:                 time.Duration(num("retry_after_ms")) * time.Millisecond,
		LastModified:               fromMillis(num("last_modified_ms")),
		ErrorMsg:                   h["error_msg"],
		AllowRoaming:               h["allow_roaming"] == "1",
		AllowMetered:               h["allow_metered"] == "1",
		BypassRecommendedSizeLimit: h["bypass_size_limit"] == "1",
		Control:                    models.Control(num("control")),
		Owner:                      h["owner"],
		LeaseExpires:               fromMillis(num("lease_expires_ms")),
	}
	if rec.ID == "" {
		return nil, errors.New("record hash missing id")
	}

	if v := h["headers"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &rec.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return rec, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
