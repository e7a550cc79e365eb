package bulk

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter caps the number of concurrently held tokens. Waiters are
// admitted in FIFO order.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
	held     atomic.Int64
	peak     atomic.Int64
}

// NewLimiter creates a limiter with n tokens
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), capacity: int64(n)}
}

// Acquire blocks until a token is free or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.track()
	return nil
}

func (l *Limiter) track() {
	n := l.held.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// TryAcquire takes a token without blocking
func (l *Limiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.track()
	return true
}

// Release returns a token
func (l *Limiter) Release() {
	l.held.Add(-1)
	l.sem.Release(1)
}

// InFlight returns the number of held tokens
func (l *Limiter) InFlight() int { return int(l.held.Load()) }

// Peak returns the highest number of tokens held at once
func (l *Limiter) Peak() int { return int(l.peak.Load()) }

// Capacity returns the token count
func (l *Limiter) Capacity() int { return int(l.capacity) }
