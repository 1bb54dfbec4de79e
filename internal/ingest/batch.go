package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lox/pmsync/internal/metrics"
	"github.com/lox/pmsync/internal/models"
	"github.com/lox/pmsync/internal/store"
)

// DefaultConcurrency is how many targets are processed at once.
const DefaultConcurrency = 10

type Fetcher interface {
	Fetch(ctx context.Context, target models.Target) (*RawReading, error)
}

// ReadingWriter is a storage handle owned by a single unit.
type ReadingWriter interface {
	UpsertReading(ctx context.Context, r models.NormalizedReading) (*models.PersistedReading, error)
	Close() error
}

type Storage interface {
	ListTargets(ctx context.Context) ([]models.Target, error)
	Writer(ctx context.Context) (ReadingWriter, error)
}

type storeStorage struct {
	store *store.Store
}

// FromStore adapts a store so each unit checks out its own connection.
func FromStore(s *store.Store) Storage {
	return storeStorage{store: s}
}

func (s storeStorage) ListTargets(ctx context.Context) ([]models.Target, error) {
	return s.store.ListTargets(ctx)
}

func (s storeStorage) Writer(ctx context.Context) (ReadingWriter, error) {
	conn, err := s.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type BatchOptions struct {
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

type Batch struct {
	storage     Storage
	fetcher     Fetcher
	normalizer  Normalizer
	concurrency int
	logger      *slog.Logger
}

func NewBatch(storage Storage, fetcher Fetcher, opts BatchOptions) *Batch {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Batch{
		storage:     storage,
		fetcher:     fetcher,
		normalizer:  Normalizer{Now: opts.Now, Logger: logger},
		concurrency: concurrency,
		logger:      logger,
	}
}

// Result is one successfully persisted reading.
type Result struct {
	StationName string
	Reading     models.PersistedReading
}

// Outcome aggregates a batch. Successes and Errors are in completion order.
type Outcome struct {
	Successes    []Result
	Errors       []string
	Elapsed      time.Duration
	Targets      int
	PeakInFlight int64
}

type unitResult struct {
	success *Result
	errs    []string
}

// Run lists the targets and processes each in its own goroutine, at most
// Concurrency at a time. Per-target failures are collected in the outcome;
// only a failure to list targets is returned as an error.
func (b *Batch) Run(ctx context.Context) (*Outcome, error) {
	start := time.Now()

	targets, err := b.storage.ListTargets(ctx)
	if err != nil {
		return nil, &SetupError{Op: "list targets", Err: err}
	}

	b.logger.Info("batch started", "targets", len(targets), "concurrency", b.concurrency)

	limiter := NewLimiter(b.concurrency)
	results := make(chan unitResult, len(targets))

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(t models.Target) {
			defer wg.Done()
			results <- b.runUnit(ctx, limiter, t)
		}(target)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := &Outcome{
		Successes: []Result{},
		Errors:    []string{},
		Targets:   len(targets),
	}
	for r := range results {
		if r.success != nil {
			out.Successes = append(out.Successes, *r.success)
		}
		out.Errors = append(out.Errors, r.errs...)
	}
	out.Elapsed = time.Since(start)
	out.PeakInFlight = limiter.Peak()

	metrics.BatchDuration.Observe(out.Elapsed.Seconds())
	metrics.BatchErrors.Add(float64(len(out.Errors)))

	b.logger.Info("batch finished",
		"targets", out.Targets,
		"succeeded", len(out.Successes),
		"failed", len(out.Errors),
		"elapsed", out.Elapsed,
		"peak_in_flight", out.PeakInFlight)

	return out, nil
}

func (b *Batch) runUnit(ctx context.Context, limiter *Limiter, t models.Target) (res unitResult) {
	if err := limiter.Acquire(ctx); err != nil {
		return b.failure(t, fmt.Errorf("waiting for slot: %w", err))
	}
	defer limiter.Release()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("unit panicked", "station", t.ExternalName, "target_id", t.TargetID, "panic", r)
			res = unitResult{errs: []string{fmt.Sprintf("task failed: %v", r)}}
		}
	}()

	stored, err := b.process(ctx, t)
	if err != nil {
		return b.failure(t, err)
	}

	metrics.ReadingsIngested.WithLabelValues(t.ExternalName).Inc()
	return unitResult{success: &Result{StationName: t.ExternalName, Reading: *stored}}
}

// process runs fetch, normalize and upsert for one target.
func (b *Batch) process(ctx context.Context, t models.Target) (*models.PersistedReading, error) {
	raw, err := b.fetcher.Fetch(ctx, t)
	if err != nil {
		return nil, err
	}

	reading, err := b.normalizer.Normalize(t.TargetID, raw)
	if err != nil {
		return nil, err
	}

	if flags := ValidateReading(reading); len(flags) > 0 {
		b.logger.Warn("implausible reading", "station", t.ExternalName, "target_id", t.TargetID, "flags", flags)
	}

	w, err := b.storage.Writer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get db client: %w", err)
	}
	defer w.Close()

	stored, err := w.UpsertReading(ctx, reading)
	if err != nil {
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	return stored, nil
}

func (b *Batch) failure(t models.Target, err error) unitResult {
	msg := fmt.Sprintf("%s : %v", t.ExternalName, err)
	b.logger.Error("target failed", "station", t.ExternalName, "target_id", t.TargetID, "error", err)
	return unitResult{errs: []string{msg}}
}
