package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"batchfetch/internal/circuitbreaker"
	"batchfetch/internal/metrics"
)

// LocalProvider implements Provider for a local download directory
type LocalProvider struct {
	basePath       string
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
	maxRetries     int
	retryDelay     time.Duration
}

// NewLocalProvider creates the base directory if needed and returns a provider rooted at it
func NewLocalProvider(basePath string, m *metrics.Metrics, cb *circuitbreaker.Breaker, maxRetries int, retryDelay time.Duration) (*LocalProvider, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("base path error: %w", err)
	}

	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("base path error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base path is not a directory: %s", basePath)
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	return &LocalProvider{
		basePath:       absPath,
		circuitBreaker: cb,
		metrics:        m,
		maxRetries:     maxRetries,
		retryDelay:     retryDelay,
	}, nil
}

// Resolve maps a destination descriptor to a path under the base directory
func (l *LocalProvider) Resolve(destination string) (string, error) {
	fullPath := filepath.Clean(filepath.Join(l.basePath, destination))
	if fullPath == l.basePath || !strings.HasPrefix(fullPath, l.basePath+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return fullPath, nil
}

// Open prepares the destination file for writing at offset
func (l *LocalProvider) Open(ctx context.Context, destination string, offset int64) (File, error) {
	start := time.Now()
	resultLabel := "error"
	defer func() {
		l.metrics.StorageOpenDuration.WithLabelValues(resultLabel).Observe(time.Since(start).Seconds())
	}()

	fullPath, err := l.Resolve(destination)
	if err != nil {
		return nil, err
	}

	result, err := l.circuitBreaker.Execute(func() (interface{}, error) {
		// Retry loop with exponential backoff
		var lastErr error
		for attempt := 0; attempt <= l.maxRetries; attempt++ {
			if attempt > 0 {
				delay := l.retryDelay * time.Duration(1<<(attempt-1))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}

			if err := ctx.Err(); err != nil {
				return nil, err
			}

			f, err := openAt(fullPath, offset)
			if err == nil {
				return f, nil
			}

			lastErr = err
			if !isLocalRetryableError(err) {
				break
			}
		}

		return nil, lastErr
	})
	if err != nil {
		return nil, err
	}

	resultLabel = "success"
	return result.(*localFile), nil
}

func openAt(path string, offset int64) (*localFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	if offset == 0 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open destination: %w", err)
		}
		return &localFile{File: f, dir: dir}, nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCannotResume
		}
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat destination: %w", err)
	}
	if info.Size() < offset {
		f.Close()
		return nil, ErrCannotResume
	}
	if info.Size() > offset {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate destination: %w", err)
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek destination: %w", err)
	}

	return &localFile{File: f, dir: dir}, nil
}

// localFile is an *os.File that reports free space on its device
type localFile struct {
	*os.File
	dir string
}

func (f *localFile) Available() (int64, error) {
	return freeSpace(f.dir)
}

// isLocalRetryableError determines if a local filesystem error should trigger a retry
func isLocalRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, ErrCannotResume) || errors.Is(err, ErrPathTraversal) {
		return false
	}

	if os.IsNotExist(err) || os.IsPermission(err) {
		return false
	}

	// Most other errors (like I/O errors on network mounts) might be transient
	return true
}

// HealthCheck verifies the base path is still accessible and has free space
func (l *LocalProvider) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(l.basePath); err != nil {
		return fmt.Errorf("base path unavailable: %w", err)
	}
	free, err := freeSpace(l.basePath)
	if err != nil {
		return fmt.Errorf("free space unavailable: %w", err)
	}
	if free <= 0 {
		return fmt.Errorf("no free space on download volume")
	}
	return nil
}
