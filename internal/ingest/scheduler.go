package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	"github.com/lox/pmsync/internal/store"
)

// ErrBusy is returned when a batch is requested while one is running.
var ErrBusy = errors.New("ingest already running")

// Scheduler runs batches one at a time and records each in ingest_runs.
type Scheduler struct {
	store  *store.Store
	batch  *Batch
	logger *slog.Logger
	mu     sync.Mutex
}

func NewScheduler(st *store.Store, batch *Batch, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  st,
		batch:  batch,
		logger: logger,
	}
}

// IngestOnce runs a single batch. It returns ErrBusy without waiting if
// another batch holds the scheduler.
func (s *Scheduler) IngestOnce(ctx context.Context) (*Outcome, error) {
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()

	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID)

	run, err := s.store.StartIngestRun(ctx, runID, time.Now())
	if err != nil {
		logger.Warn("record ingest run start", "error", err)
	}

	outcome, batchErr := s.batch.Run(ctx)

	if run != nil {
		run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		run.Success = batchErr == nil
		switch {
		case batchErr != nil:
			run.ErrorMessage = sql.NullString{String: batchErr.Error(), Valid: true}
		case len(outcome.Errors) > 0:
			run.Targets = outcome.Targets
			run.Succeeded = len(outcome.Successes)
			run.Failed = len(outcome.Errors)
			run.ErrorMessage = sql.NullString{
				String: fmt.Sprintf("%d of %d targets failed", run.Failed, run.Targets),
				Valid:  true,
			}
		default:
			run.Targets = outcome.Targets
			run.Succeeded = len(outcome.Successes)
		}
		if err := s.store.CompleteIngestRun(context.WithoutCancel(ctx), run); err != nil {
			logger.Warn("record ingest run completion", "error", err)
		}
	}

	if batchErr != nil {
		logger.Error("batch aborted", "error", batchErr)
		return nil, batchErr
	}
	return outcome, nil
}

// Run triggers a batch on every tick of the cron spec until ctx is done.
func (s *Scheduler) Run(ctx context.Context, spec string) error {
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()

	_, err := cron.Cron(spec).Do(func() {
		if _, err := s.IngestOnce(ctx); err != nil && !errors.Is(err, ErrBusy) {
			s.logger.Error("scheduled ingest failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}

	s.logger.Info("scheduler started", "cron", spec)
	cron.StartAsync()

	<-ctx.Done()
	cron.Stop()
	s.logger.Info("scheduler stopped")
	return nil
}
