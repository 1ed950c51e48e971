package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"batchfetch/internal/database"
	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
	"batchfetch/internal/netpolicy"
	"batchfetch/internal/storage"
	"batchfetch/internal/transfer"
)

const (
	// MaxRedirects is the number of redirects followed per request.
	MaxRedirects = 5

	// Progress is persisted at most once per interval and only after
	// progressMinBytes new bytes.
	progressMinBytes = 4096
	progressInterval = 1500 * time.Millisecond

	// controlPollInterval bounds how often the control flag is re-read.
	controlPollInterval = 1500 * time.Millisecond
)

var errTooManyRedirects = errors.New("too many redirects")

// Store is the part of the persistence layer an attempt needs
type Store interface {
	GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error)
	UpdateProgress(ctx context.Context, id, owner string, current, total int64, leaseUntil time.Time) error
}

// Prober discovers the total size of a resource
type Prober interface {
	ContentLength(ctx context.Context, rec *models.DownloadRecord) int64
}

// Engine runs single download attempts
type Engine struct {
	client       *http.Client
	prober       Prober
	storage      storage.Provider
	connectivity netpolicy.Connectivity
	store        Store
	userAgent    string
	leaseTTL     time.Duration
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// Options configures an Engine
type Options struct {
	Client       *http.Client // nil uses NewClient()
	Prober       Prober
	Storage      storage.Provider
	Connectivity netpolicy.Connectivity
	Store        Store
	UserAgent    string
	LeaseTTL     time.Duration
}

// New creates an engine
func New(opts Options, m *metrics.Metrics, logger *zap.Logger) *Engine {
	client := opts.Client
	if client == nil {
		client = NewClient()
	}
	return &Engine{
		client:       client,
		prober:       opts.Prober,
		storage:      opts.Storage,
		connectivity: opts.Connectivity,
		store:        opts.Store,
		userAgent:    opts.UserAgent,
		leaseTTL:     opts.LeaseTTL,
		metrics:      m,
		logger:       logger,
	}
}

// NewClient returns the transfer client. The transfer itself has no overall
// deadline; only connection setup and response headers are bounded.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: checkRedirect,
	}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > MaxRedirects {
		return errTooManyRedirects
	}
	return nil
}

// Run performs one attempt for rec, which must be leased by rec.Owner.
// Every failure resolves to a classified outcome.
func (e *Engine) Run(ctx context.Context, rec *models.DownloadRecord) models.Outcome {
	start := time.Now()
	e.metrics.ActiveDownloads.Inc()
	defer e.metrics.ActiveDownloads.Dec()

	out := e.run(ctx, rec)

	transferred := out.CurrentBytes - rec.CurrentBytes
	if transferred < 0 {
		transferred = out.CurrentBytes
	}
	e.metrics.AttemptsTotal.WithLabelValues(out.Status.String()).Inc()
	e.metrics.AttemptDuration.Observe(time.Since(start).Seconds())
	e.metrics.AttemptBytesHist.Observe(float64(transferred))
	e.metrics.BytesTransferred.Add(float64(transferred))

	fields := []zap.Field{
		zap.String("download_id", rec.ID),
		zap.String("batch_id", rec.BatchID),
		zap.Stringer("status", out.Status),
		zap.String("transferred", humanize.Bytes(uint64(transferred))),
		zap.Duration("duration", time.Since(start)),
	}
	if out.Message != "" {
		fields = append(fields, zap.String("reason", out.Message))
	}
	if out.Status.IsError() {
		e.logger.Warn("download attempt failed", fields...)
	} else {
		e.logger.Info("download attempt finished", fields...)
	}

	return out
}

func (e *Engine) run(ctx context.Context, rec *models.DownloadRecord) models.Outcome {
	if rec.Control == models.ControlPaused {
		return result(rec.CurrentBytes, rec.TotalBytes, models.StatusCanceled, "download canceled")
	}

	// network eligibility with what is known so far
	if decision := e.decide(ctx, rec, rec.TotalBytes); decision != models.NetworkOK {
		return deferred(rec, rec.TotalBytes, decision)
	}

	// learn the size, then re-check size ceilings
	total := rec.TotalBytes
	if total < 0 && e.prober != nil {
		total = e.prober.ContentLength(ctx, rec)
		if total >= 0 {
			if decision := e.decide(ctx, rec, total); decision != models.NetworkOK {
				return deferred(rec, total, decision)
			}
		}
	}
	if total >= 0 && rec.CurrentBytes > total {
		return result(rec.CurrentBytes, total, models.StatusCannotResume, "stored progress exceeds expected length")
	}

	st := transfer.NewState(rec.CurrentBytes, total)
	return e.transfer(ctx, rec, st)
}

func (e *Engine) decide(ctx context.Context, rec *models.DownloadRecord, total int64) models.NetworkDecision {
	decision := models.NetworkNoConnection
	if state, err := e.connectivity.Current(ctx); err == nil {
		probe := *rec
		probe.TotalBytes = total
		decision = netpolicy.Decide(&probe, state)
	} else {
		e.logger.Warn("connectivity state unavailable", zap.Error(err))
	}
	e.metrics.NetworkDecisions.WithLabelValues(decision.String()).Inc()
	return decision
}

func (e *Engine) transfer(ctx context.Context, rec *models.DownloadRecord, st *transfer.State) models.Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URI, nil)
	if err != nil {
		return fail(st, models.StatusUnknownError, "invalid request")
	}
	req.Header = rec.HTTPHeader()
	if req.Header.Get("User-Agent") == "" && e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	if st.CurrentBytes > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", st.CurrentBytes))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fail(st, models.StatusPausedByApp, "interrupted by shutdown")
		case errors.Is(err, errTooManyRedirects):
			return fail(st, models.StatusTooManyRedirects, "too many redirects")
		default:
			return fail(st, models.StatusHTTPDataError, "failed to connect to server")
		}
	}
	defer resp.Body.Close()

	if out, done := e.checkResponse(resp, st); done {
		return out
	}

	f, err := e.storage.Open(ctx, rec.Destination, st.CurrentBytes)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCannotResume):
			return fail(st, models.StatusCannotResume, "destination does not match stored progress")
		case ctx.Err() != nil:
			return fail(st, models.StatusPausedByApp, "interrupted by shutdown")
		default:
			e.logger.Debug("destination open failed", zap.String("download_id", rec.ID))
			return fail(st, models.StatusFileError, "failed to open destination")
		}
	}

	reporter := &progressReporter{
		ctx:      ctx,
		store:    e.store,
		rec:      rec,
		leaseTTL: e.leaseTTL,
		logger:   e.logger,
		last:     st.CurrentBytes,
		lastAt:   time.Now(),
	}
	w := transfer.NewWriter(f,
		transfer.WithRetryHook(func() { e.metrics.WriteRetriesTotal.Inc() }),
		transfer.WithProgress(reporter.report),
	)
	tok := newControlToken(ctx, e.store, rec.ID, reporter)

	strategy := transfer.ForName(rec.Strategy)
	stopErr := strategy.Transfer(st, resp.Body, w, tok)

	syncErr := f.Sync()
	closeErr := f.Close()

	return classify(ctx, st, stopErr, errors.Join(syncErr, closeErr))
}

// checkResponse validates the response status and learns the total size.
// done is true when the attempt ends without a body transfer.
func (e *Engine) checkResponse(resp *http.Response, st *transfer.State) (models.Outcome, bool) {
	code := resp.StatusCode
	switch {
	case code == http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != st.CurrentBytes {
			return fail(st, models.StatusCannotResume, "server resumed at an unexpected offset"), true
		}
		if total >= 0 && !st.HasTotal() {
			st.TotalBytes = total
		}
		return models.Outcome{}, false

	case code == http.StatusOK:
		if st.CurrentBytes > 0 {
			// Range ignored; the body starts from byte zero.
			st.CurrentBytes = 0
		}
		if resp.ContentLength >= 0 {
			st.TotalBytes = resp.ContentLength
		}
		return models.Outcome{}, false

	case code == http.StatusRequestedRangeNotSatisfiable && st.HasTotal() && st.CurrentBytes >= st.TotalBytes:
		return result(st.CurrentBytes, st.TotalBytes, models.StatusSuccess, ""), true

	case code >= 300 && code < 400:
		return fail(st, models.StatusUnhandledRedirect, "unhandled redirect "+strconv.Itoa(code)), true

	case code >= 400 && code < 600:
		out := fail(st, models.Status(code), "server returned HTTP "+strconv.Itoa(code))
		if code == http.StatusServiceUnavailable || code == http.StatusTooManyRequests {
			out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return out, true

	default:
		return fail(st, models.StatusUnhandledHTTPCode, "unhandled HTTP code "+strconv.Itoa(code)), true
	}
}

func classify(ctx context.Context, st *transfer.State, stopErr, closeErr error) models.Outcome {
	var stop *transfer.StopError
	if errors.As(stopErr, &stop) {
		return fail(st, stop.Status, stop.Message)
	}
	if stopErr != nil {
		return fail(st, models.StatusUnknownError, "transfer stopped unexpectedly")
	}
	if ctx.Err() != nil {
		return fail(st, models.StatusPausedByApp, "interrupted by shutdown")
	}
	if closeErr != nil {
		return fail(st, models.StatusFileError, "failed to flush destination")
	}
	if st.ShouldPause {
		out := result(st.CurrentBytes, st.TotalBytes, models.StatusSuccess, "")
		out.ShouldPause = true
		return out
	}
	if st.Truncated() {
		return fail(st, models.StatusHTTPDataError, "stream ended before expected length")
	}
	if !st.HasTotal() {
		if st.ReadErr != nil {
			return fail(st, models.StatusHTTPDataError, "connection lost during transfer")
		}
		st.TotalBytes = st.CurrentBytes
	}
	return result(st.CurrentBytes, st.TotalBytes, models.StatusSuccess, "")
}

func result(current, total int64, status models.Status, msg string) models.Outcome {
	return models.Outcome{Status: status, Message: msg, CurrentBytes: current, TotalBytes: total}
}

func fail(st *transfer.State, status models.Status, msg string) models.Outcome {
	return result(st.CurrentBytes, st.TotalBytes, status, msg)
}

func deferred(rec *models.DownloadRecord, total int64, d models.NetworkDecision) models.Outcome {
	out := result(rec.CurrentBytes, total, d.Status(), "network policy: "+strings.ToLower(d.String()))
	out.Deferred = true
	return out
}

// parseContentRange parses "bytes start-end/total". total is -1 for "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if size == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// progressReporter persists throttled progress and extends the lease
type progressReporter struct {
	ctx      context.Context
	store    Store
	rec      *models.DownloadRecord
	leaseTTL time.Duration
	logger   *zap.Logger

	last      int64
	lastAt    time.Time
	leaseLost bool
}

func (p *progressReporter) report(st *transfer.State) {
	if p.store == nil {
		return
	}
	now := time.Now()
	if st.CurrentBytes-p.last < progressMinBytes || now.Sub(p.lastAt) < progressInterval {
		return
	}
	p.last, p.lastAt = st.CurrentBytes, now

	err := p.store.UpdateProgress(p.ctx, p.rec.ID, p.rec.Owner, st.CurrentBytes, st.TotalBytes, now.Add(p.leaseTTL))
	switch {
	case err == nil:
	case errors.Is(err, database.ErrLeaseLost):
		p.leaseLost = true
	default:
		p.logger.Warn("failed to persist progress", zap.String("download_id", p.rec.ID), zap.Error(err))
	}
}

// controlToken stops a transfer on shutdown, on a PAUSED control flag, or
// when the lease was taken over
type controlToken struct {
	ctx      context.Context
	store    Store
	id       string
	reporter *progressReporter
	lastPoll time.Time
}

func newControlToken(ctx context.Context, store Store, id string, reporter *progressReporter) *controlToken {
	return &controlToken{ctx: ctx, store: store, id: id, reporter: reporter, lastPoll: time.Now()}
}

func (c *controlToken) Check() error {
	if c.ctx.Err() != nil {
		return transfer.Stop(models.StatusPausedByApp, "interrupted by shutdown", c.ctx.Err())
	}
	if c.reporter.leaseLost {
		return transfer.Stop(models.StatusPausedByApp, "lease taken over by another worker", database.ErrLeaseLost)
	}
	if c.store == nil || time.Since(c.lastPoll) < controlPollInterval {
		return nil
	}
	c.lastPoll = time.Now()

	rec, err := c.store.GetRecord(c.ctx, c.id)
	if err != nil {
		return nil
	}
	if rec.Control == models.ControlPaused {
		return transfer.Stop(models.StatusCanceled, "download canceled", nil)
	}
	return nil
}
