package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/lox/pmsync/internal/config"
	"github.com/lox/pmsync/internal/logging"
)

var version = "dev"

type CLI struct {
	config.Config `embed:""`

	Version kong.VersionFlag `help:"Print version and exit."`

	Run      RunCmd      `cmd:"" help:"Run one ingestion batch and print the reply as JSON."`
	Serve    ServeCmd    `cmd:"" help:"Serve the HTTP API and ingest on the cron schedule."`
	Schedule ScheduleCmd `cmd:"" help:"Ingest on the cron schedule without the HTTP API."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations."`
	Targets  TargetsCmd  `cmd:"" help:"Manage ingestion targets."`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pmsync: %v\n", err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New(cli.Config, version, "pmsync")
	slog.SetDefault(logger)

	err = kctx.Run(&app{ctx: ctx, cfg: cli.Config, logger: logger, stdout: os.Stdout})
	kctx.FatalIfErrorf(err)
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name("pmsync"),
		kong.Description("Ingest AirKorea PM10/PM2.5 readings into a relational store."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	}, options...)
	return kong.New(cli, options...)
}
