package ingest

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/lox/pmsync/internal/metrics"
)

// Limiter is a counting semaphore that also tracks how many slots are held
// and the most ever held at once.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

func NewLimiter(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := l.inFlight.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	metrics.UnitsInFlight.Inc()
	return nil
}

// Release returns one slot. Call exactly once per successful Acquire.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	metrics.UnitsInFlight.Dec()
	l.sem.Release(1)
}

func (l *Limiter) InFlight() int64 { return l.inFlight.Load() }
func (l *Limiter) Peak() int64     { return l.peak.Load() }
func (l *Limiter) Capacity() int64 { return l.capacity }
