package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"batchfetch/internal/circuitbreaker"
	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
)

var errProbeFailed = errors.New("probe request failed")

const (
	ConnectTimeout = 10 * time.Second
	ReadTimeout    = 10 * time.Second
)

// Prober discovers the total size of a resource without downloading it
type Prober struct {
	client         *http.Client
	userAgent      string
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

// New creates a prober. A nil client gets one with the fixed probe timeouts.
func New(client *http.Client, userAgent string, cb *circuitbreaker.Breaker, m *metrics.Metrics, logger *zap.Logger) *Prober {
	if client == nil {
		client = NewClient()
	}
	return &Prober{
		client:         client,
		userAgent:      userAgent,
		circuitBreaker: cb,
		metrics:        m,
		logger:         logger,
	}
}

// NewClient returns an HTTP client with a 10s connect and 10s read timeout.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   ConnectTimeout,
			ResponseHeaderTimeout: ReadTimeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		},
		Timeout: ConnectTimeout + ReadTimeout,
	}
}

// ContentLength issues a HEAD request for rec and returns the advertised size,
// or models.UnknownSize on any failure.
func (p *Prober) ContentLength(ctx context.Context, rec *models.DownloadRecord) int64 {
	result, err := p.circuitBreaker.Execute(func() (interface{}, error) {
		return p.head(ctx, rec)
	})
	if err != nil {
		p.metrics.ProbesTotal.WithLabelValues("unknown").Inc()
		p.logger.Debug("content length probe failed",
			zap.String("download_id", rec.ID),
			zap.Bool("breaker_open", circuitbreaker.IsOpen(err)))
		return models.UnknownSize
	}

	length := result.(int64)
	if length < 0 {
		p.metrics.ProbesTotal.WithLabelValues("unknown").Inc()
		return models.UnknownSize
	}
	p.metrics.ProbesTotal.WithLabelValues("known").Inc()
	return length
}

// head returns an error only for transport failures; non-success responses
// report an unknown length without tripping the breaker.
func (p *Prober) head(ctx context.Context, rec *models.DownloadRecord) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rec.URI, nil)
	if err != nil {
		return models.UnknownSize, nil
	}
	req.Header = rec.HTTPHeader()
	if req.Header.Get("User-Agent") == "" && p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, errProbeFailed
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.UnknownSize, nil
	}
	return resp.ContentLength, nil
}
