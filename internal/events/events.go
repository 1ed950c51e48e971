package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batchfetch/internal/auth"
	"batchfetch/internal/config"
	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
)

// Type names a batch lifecycle transition
type Type string

const (
	BatchStarted   Type = "batch.started"
	BatchCompleted Type = "batch.completed"
	BatchFailed    Type = "batch.failed"
)

// Event is one lifecycle notification
type Event struct {
	Type       Type          `json:"type"`
	BatchID    string        `json:"batch_id"`
	Status     models.Status `json:"status"`
	StatusName string        `json:"status_name"`
	Timestamp  time.Time     `json:"timestamp"`
}

// New builds an event for batchID in status
func New(t Type, batchID string, status models.Status) Event {
	return Event{
		Type:       t,
		BatchID:    batchID,
		Status:     status,
		StatusName: status.String(),
		Timestamp:  time.Now().UTC(),
	}
}

// Publisher delivers events to one sink
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// LogPublisher writes events to the log
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a log sink
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.Info("batch event",
		zap.String("type", string(e.Type)),
		zap.String("batch_id", e.BatchID),
		zap.Stringer("status", e.Status),
	)
	return nil
}

// Multi fans an event out to every publisher
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async publishes in the background so callers never wait on a sink
type Async struct {
	next    Publisher
	timeout time.Duration
	logger  *zap.Logger
	closers []func() error

	wg sync.WaitGroup
}

// NewAsync wraps next. Each delivery gets its own timeout.
func NewAsync(next Publisher, timeout time.Duration, logger *zap.Logger) *Async {
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Publish schedules delivery and returns immediately
func (a *Async) Publish(_ context.Context, e Event) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.next.Publish(ctx, e); err != nil {
			a.logger.Warn("failed to publish batch event",
				zap.String("type", string(e.Type)),
				zap.String("batch_id", e.BatchID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Close waits for in-flight deliveries and releases sink connections
func (a *Async) Close() error {
	a.wg.Wait()

	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the configured sinks. The log sink is always present.
func FromConfig(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Async, error) {
	sinks := Multi{NewLogPublisher(logger)}
	var closers []func() error

	if cfg.EventsWebhookURL != "" {
		sinks = append(sinks, NewWebhook(WebhookOptions{
			URL:        cfg.EventsWebhookURL,
			Signer:     auth.NewSigner(cfg.EventsSigningSecret),
			MaxRetries: cfg.EventsMaxRetries,
			RetryDelay: cfg.EventsRetryDelay,
		}, m, logger))
	}

	if cfg.EventsRedisURL != "" {
		opts, err := redis.ParseURL(cfg.EventsRedisURL)
		if err != nil {
			return nil, fmt.Errorf("events redis url: %w", err)
		}
		client := redis.NewClient(opts)
		sinks = append(sinks, NewRedisPublisher(client, cfg.EventsRedisChannel, m))
		closers = append(closers, client.Close)
	}

	timeout := 30 * time.Second
	if budget := cfg.EventsRetryDelay * time.Duration(1<<min(max(cfg.EventsMaxRetries, 0), 6)); budget > timeout {
		timeout = budget
	}

	a := NewAsync(sinks, timeout, logger)
	a.closers = closers
	return a, nil
}
