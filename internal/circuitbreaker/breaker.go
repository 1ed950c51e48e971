package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"batchfetch/internal/config"
	"batchfetch/internal/metrics"
)

// Options configures a breaker
type Options struct {
	Threshold   int           // consecutive failures before opening
	Timeout     time.Duration // time to wait before half-open
	MaxRequests int           // max requests in half-open state

	// IsSuccessful decides whether an error counts as a failure. Nil counts
	// every non-nil error.
	IsSuccessful func(err error) bool
}

// OptionsFromConfig builds breaker options from the application config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Threshold:   cfg.CircuitBreakerThreshold,
		Timeout:     cfg.CircuitBreakerTimeout,
		MaxRequests: cfg.CircuitBreakerMaxRequests,
	}
}

// Breaker wraps gobreaker with metrics
type Breaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

// New creates a new circuit breaker
func New(name string, opts Options, m *metrics.Metrics) *Breaker {
	threshold := opts.Threshold
	if threshold < 1 {
		threshold = 1
	}

	settings := gobreaker.Settings{
		Name:         name,
		MaxRequests:  uint32(opts.MaxRequests),
		Interval:     opts.Timeout,
		Timeout:      opts.Timeout,
		IsSuccessful: opts.IsSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}

	m.CircuitBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	return &Breaker{
		cb:   gobreaker.NewCircuitBreaker(settings),
		name: name,
	}
}

// Execute runs the given function through the circuit breaker
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// Run is Execute for functions that only return an error
func (b *Breaker) Run(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the breaker name used as the metrics label
func (b *Breaker) Name() string {
	return b.name
}

// IsOpen reports whether err was returned because the breaker rejected the call
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
