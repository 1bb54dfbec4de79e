package ingest

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLimiter_CapsConcurrency(t *testing.T) {
	l := NewLimiter(3)
	if l.Capacity() != 3 {
		t.Fatalf("Capacity() = %d, want 3", l.Capacity())
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer l.Release()
			if n := l.InFlight(); n > 3 {
				t.Errorf("InFlight() = %d, want <= 3", n)
			}
			time.Sleep(2 * time.Millisecond)
		}()
	}
	wg.Wait()

	if l.InFlight() != 0 {
		t.Errorf("InFlight() after release = %d, want 0", l.InFlight())
	}
	if p := l.Peak(); p < 1 || p > 3 {
		t.Errorf("Peak() = %d, want 1..3", p)
	}
}

func TestLimiter_AcquireHonoursContext(t *testing.T) {
	l := NewLimiter(1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatal("Acquire on a full limiter should fail once ctx is done")
	}
	if l.InFlight() != 1 {
		t.Errorf("InFlight() = %d, want 1", l.InFlight())
	}

	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	l.Release()
}

func TestNewLimiter_MinimumCapacity(t *testing.T) {
	if got := NewLimiter(0).Capacity(); got != 1 {
		t.Errorf("NewLimiter(0).Capacity() = %d, want 1", got)
	}
}
