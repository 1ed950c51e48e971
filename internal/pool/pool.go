package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"batchfetch/internal/metrics"
)

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("pool closed")

// Pool runs submitted tasks on at most size goroutines. The queue is
// unbounded and FIFO; workers idle longer than keepAlive exit.
type Pool struct {
	slots     *semaphore.Weighted
	keepAlive time.Duration
	metrics   *metrics.Metrics

	mu      sync.Mutex
	queue   []func()
	idle    int
	workers int
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool with size workers
func New(size int, keepAlive time.Duration, m *metrics.Metrics) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	if keepAlive <= 0 {
		keepAlive = time.Minute
	}
	return &Pool{
		slots:     semaphore.NewWeighted(int64(size)),
		keepAlive: keepAlive,
		metrics:   m,
		wake:      make(chan struct{}, size),
		done:      make(chan struct{}),
	}, nil
}

// Submit queues task. It never blocks on a busy pool.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, task)
	p.metrics.QueueDepth.Set(float64(len(p.queue)))

	spawn := p.idle == 0 && p.slots.TryAcquire(1)
	if spawn {
		p.workers++
		p.metrics.LiveWorkers.Set(float64(p.workers))
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if spawn {
		go p.worker()
		return nil
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Workers returns the number of live worker goroutines
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Pending returns the number of queued tasks not yet started
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Wait blocks until every worker has exited. Call after Close.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	timer := time.NewTimer(p.keepAlive)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			task := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.metrics.QueueDepth.Set(float64(len(p.queue)))
			p.mu.Unlock()

			task()
			continue
		}
		if p.closed {
			p.exitLocked()
			return
		}
		p.idle++
		p.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.keepAlive)

		expired := false
		select {
		case <-p.wake:
		case <-p.done:
		case <-timer.C:
			expired = true
		}

		p.mu.Lock()
		p.idle--
		if expired && len(p.queue) == 0 {
			p.exitLocked()
			return
		}
		p.mu.Unlock()
	}
}

// exitLocked releases the worker slot; p.mu must be held and is released.
func (p *Pool) exitLocked() {
	p.workers--
	p.metrics.LiveWorkers.Set(float64(p.workers))
	p.slots.Release(1)
	p.mu.Unlock()
}
