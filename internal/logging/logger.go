package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/lox/pmsync/internal/config"
)

func New(cfg config.Config, version string, appName string) *slog.Logger {
	if cfg.AppEnv != "prod" {
		h := tint.NewHandler(os.Stderr, &tint.Options{
			Level:      cfg.SlogLevel(),
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", appName)
	}

	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
	)
}
