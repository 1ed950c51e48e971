package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"batchfetch/internal/models"
)

// JitterRange is the exclusive upper bound of the jitter added to each backoff step.
const JitterRange = 1000

// DefaultBaseDelay is used when a Scheduler is built without a base delay.
const DefaultBaseDelay = 30 * time.Second

// MaxBackoff is the ceiling a backoff saturates at instead of overflowing.
const MaxBackoff = time.Duration(math.MaxInt64)

// JitterSource returns a uniform integer in [0, n).
type JitterSource interface {
	IntN(n int) int
}

// LockedJitter is a seedable JitterSource safe for concurrent use
type LockedJitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewJitter creates a jitter source. The same seed yields the same sequence.
func NewJitter(seed uint64) *LockedJitter {
	return &LockedJitter{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// IntN returns a uniform integer in [0, n).
func (j *LockedJitter) IntN(n int) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rng.IntN(n)
}

// Scheduler computes when a failed download becomes eligible again
type Scheduler struct {
	baseDelay time.Duration
	jitter    JitterSource
}

// NewScheduler creates a scheduler. A zero baseDelay uses DefaultBaseDelay.
func NewScheduler(baseDelay time.Duration, jitter JitterSource) *Scheduler {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Scheduler{baseDelay: baseDelay, jitter: jitter}
}

// NextEligibleTime returns the earliest time rec may be attempted again.
func (s *Scheduler) NextEligibleTime(rec *models.DownloadRecord, now time.Time) time.Time {
	if rec.NumFailed <= 0 {
		return now
	}
	if rec.RetryAfter > 0 {
		return rec.LastModified.Add(rec.RetryAfter)
	}
	return rec.LastModified.Add(s.Backoff(rec.NumFailed))
}

// Backoff returns baseDelay*(1000+jitter)/1000 * 2^(numFailed-1) with a fresh
// jitter draw, saturating at MaxBackoff.
func (s *Scheduler) Backoff(numFailed int) time.Duration {
	jitter := s.jitter.IntN(JitterRange)
	if s.baseDelay > MaxBackoff/(2*JitterRange) {
		return MaxBackoff
	}
	d := s.baseDelay * time.Duration(JitterRange+jitter) / JitterRange
	for shift := numFailed - 1; shift > 0; shift-- {
		if d > MaxBackoff/2 {
			return MaxBackoff
		}
		d <<= 1
	}
	return d
}

// Ready reports whether rec is eligible at now.
func (s *Scheduler) Ready(rec *models.DownloadRecord, now time.Time) bool {
	return !s.NextEligibleTime(rec, now).After(now)
}
