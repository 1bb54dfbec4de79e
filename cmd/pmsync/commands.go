package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/pmsync/internal/api"
	"github.com/lox/pmsync/internal/config"
	"github.com/lox/pmsync/internal/ingest"
	"github.com/lox/pmsync/internal/models"
	"github.com/lox/pmsync/internal/store"
)

// app carries what every command needs once flags are parsed.
type app struct {
	ctx    context.Context
	cfg    config.Config
	logger *slog.Logger
	stdout io.Writer
}

func (a *app) openStore() (*store.Store, error) {
	st, err := store.Open(a.ctx, store.Options{
		DSN:            a.cfg.DatabaseURL,
		MaxOpenConns:   a.cfg.DBMaxOpenConns,
		ConnectTimeout: a.cfg.DBConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(a.ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (a *app) newScheduler(st *store.Store) *ingest.Scheduler {
	fetcher := ingest.NewAirKorea(a.cfg.APIKey, ingest.AirKoreaOptions{
		Endpoint:          a.cfg.Endpoint,
		Timeout:           a.cfg.FetchTimeout,
		RequestsPerSecond: a.cfg.RequestsPerSecond,
	})
	batch := ingest.NewBatch(ingest.FromStore(st), fetcher, ingest.BatchOptions{
		Concurrency: a.cfg.Concurrency,
		Logger:      a.logger,
	})
	return ingest.NewScheduler(st, batch, a.logger)
}

type RunCmd struct{}

func (c *RunCmd) Run(a *app) error {
	reply := c.ingest(a)
	if err := writeJSON(a.stdout, reply); err != nil {
		return err
	}
	if reply.StatusCode != 200 {
		return errors.New("batch failed")
	}
	return nil
}

func (c *RunCmd) ingest(a *app) api.Reply {
	start := time.Now()
	if err := a.cfg.CheckIngest(); err != nil {
		return api.FailureReply(err, time.Since(start))
	}

	st, err := a.openStore()
	if err != nil {
		return api.FailureReply(fmt.Errorf("failed to get db client: %w", err), time.Since(start))
	}
	defer st.Close()

	out, err := a.newScheduler(st).IngestOnce(a.ctx)
	if err != nil {
		return api.FailureReply(err, time.Since(start))
	}
	return api.NewReply(out)
}

type ServeCmd struct {
	NoPoll bool `help:"Disable the cron schedule (HTTP API only)."`
}

func (c *ServeCmd) Run(a *app) error {
	if err := a.cfg.CheckIngest(); err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sched := a.newScheduler(st)
	server := api.NewServer(st, sched, a.cfg.HTTPAddr, a.logger)

	g, ctx := errgroup.WithContext(a.ctx)
	g.Go(func() error { return server.Run(ctx) })
	if c.NoPoll {
		a.logger.Info("polling disabled (--no-poll)")
	} else {
		g.Go(func() error { return sched.Run(ctx, a.cfg.Cron) })
	}
	return g.Wait()
}

type ScheduleCmd struct {
	Now bool `help:"Run a batch immediately before waiting for the first tick."`
}

func (c *ScheduleCmd) Run(a *app) error {
	if err := a.cfg.CheckIngest(); err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sched := a.newScheduler(st)
	if c.Now {
		if _, err := sched.IngestOnce(a.ctx); err != nil {
			a.logger.Error("initial ingest failed", "error", err)
		}
	}
	return sched.Run(a.ctx, a.cfg.Cron)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(a *app) error {
	if err := a.cfg.RequireDatabase(); err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := st.MigrationVersion(a.ctx)
	if err != nil {
		return err
	}
	a.logger.Info("database migrated", "version", v, "dialect", st.Dialect().String())
	return nil
}

type TargetsCmd struct {
	List TargetsListCmd `cmd:"" help:"List targets with their latest reading."`
	Add  TargetsAddCmd  `cmd:"" help:"Add or rename a target."`
}

type TargetsListCmd struct {
	JSON bool `help:"Print JSON instead of a table."`
}

func (c *TargetsListCmd) Run(a *app) error {
	if err := a.cfg.RequireDatabase(); err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	readings, err := st.ListReadings(a.ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(a.stdout, api.NewTargetReadings(readings))
	}
	return writeTargetTable(a.stdout, readings)
}

type TargetsAddCmd struct {
	ID   int64  `arg:"" help:"Local region identifier."`
	Name string `arg:"" help:"AirKorea station name."`
}

func (c *TargetsAddCmd) Run(a *app) error {
	if err := a.cfg.RequireDatabase(); err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.UpsertTarget(a.ctx, models.Target{TargetID: c.ID, ExternalName: c.Name}); err != nil {
		return fmt.Errorf("upsert target %d: %w", c.ID, err)
	}
	a.logger.Info("target saved", "target_id", c.ID, "station", c.Name)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTargetTable(w io.Writer, readings []models.TargetReading) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATION\tPM10\tPM2.5\tRECORDED\tUPDATED")
	for _, tr := range readings {
		if tr.Reading == nil {
			fmt.Fprintf(tw, "%d\t%s\t-\t-\t-\t-\n", tr.TargetID, tr.ExternalName)
			continue
		}
		r := tr.Reading
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			tr.TargetID, tr.ExternalName,
			formatPM(r.PM10.Float64, r.PM10.Valid), formatPM(r.PM25.Float64, r.PM25.Valid),
			r.RecordedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func formatPM(v float64, ok bool) string {
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%g", v)
}
