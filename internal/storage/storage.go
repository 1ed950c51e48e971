package storage

import (
	"context"
	"errors"
	"fmt"

	"batchfetch/internal/circuitbreaker"
	"batchfetch/internal/config"
	"batchfetch/internal/metrics"
)

var (
	// ErrCannotResume is returned when the destination does not hold the
	// bytes a resumed transfer expects.
	ErrCannotResume = errors.New("destination cannot be resumed")

	// ErrPathTraversal is returned for destinations outside the base directory.
	ErrPathTraversal = errors.New("destination escapes base directory")
)

// File is an open destination positioned at the resume offset
type File interface {
	Write(p []byte) (int, error)

	// Available returns the free bytes on the device holding the file.
	Available() (int64, error)

	Sync() error
	Close() error
}

// Provider defines the interface for destination backends
type Provider interface {
	// Open prepares destination for writing from offset. Offset zero
	// truncates any existing content.
	Open(ctx context.Context, destination string, offset int64) (File, error)

	// HealthCheck performs a lightweight availability check
	HealthCheck(ctx context.Context) error
}

// New creates the destination provider from configuration
func New(cfg *config.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker) (Provider, error) {
	if cfg.DownloadDir == "" {
		return nil, fmt.Errorf("DOWNLOAD_DIR required")
	}
	return NewLocalProvider(cfg.DownloadDir, m, cb, cfg.StorageOpenRetries, cfg.StorageRetryDelay)
}

// BreakerOptions returns breaker options that do not count caller errors
// such as an impossible resume as backend failures.
func BreakerOptions(cfg *config.Config) circuitbreaker.Options {
	opts := circuitbreaker.OptionsFromConfig(cfg)
	opts.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrCannotResume) || errors.Is(err, ErrPathTraversal) ||
			errors.Is(err, context.Canceled)
	}
	return opts
}
