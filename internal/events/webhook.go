package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"batchfetch/internal/auth"
	"batchfetch/internal/metrics"
)

// WebhookOptions configures a Webhook
type WebhookOptions struct {
	URL        string
	Signer     *auth.Signer // nil or empty secret sends unsigned requests
	Client     *http.Client // nil uses a 10s-timeout client
	MaxRetries int
	RetryDelay time.Duration
}

// Webhook POSTs events as JSON
type Webhook struct {
	url        string
	signer     *auth.Signer
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewWebhook creates a webhook sink
func NewWebhook(opts WebhookOptions, m *metrics.Metrics, logger *zap.Logger) *Webhook {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{
		url:        opts.URL,
		signer:     opts.Signer,
		client:     client,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		metrics:    m,
		logger:     logger,
	}
}

// Publish delivers e, retrying transport errors, 429 and 5xx with
// exponential backoff
func (w *Webhook) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			w.metrics.EventRetries.Inc()
			delay := w.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				w.metrics.EventsPublished.WithLabelValues("webhook", "error").Inc()
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		retry, err := w.send(ctx, body)
		if err == nil {
			w.metrics.EventsPublished.WithLabelValues("webhook", "success").Inc()
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		w.logger.Debug("webhook delivery failed, retrying",
			zap.String("batch_id", e.BatchID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	w.metrics.EventsPublished.WithLabelValues("webhook", "error").Inc()
	return lastErr
}

func (w *Webhook) send(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.signer.Enabled() {
		req.Header.Set(auth.SignatureHeader, w.signer.Sign(body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retry, fmt.Errorf("webhook failed with status %d", resp.StatusCode)
}
