package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrMissing reports a required setting that was not provided.
var ErrMissing = errors.New("missing required configuration")

// Config is bound from flags and environment by kong. It is embedded in the
// CLI so every command shares the same settings.
type Config struct {
	DatabaseURL string `name:"database-url" env:"DATABASE_URL,DB_CONN_URL" help:"postgres:// URL or SQLite path."`
	APIKey      string `name:"api-key" env:"AIR_QUALITY_API_KEY" help:"AirKorea service key."`
	Endpoint    string `name:"endpoint" env:"AIR_QUALITY_ENDPOINT" default:"http://apis.data.go.kr/B552584/ArpltnInforInqireSvc/getMsrstnAcctoRltmMesureDnsty" help:"AirKorea station measurement endpoint."`

	Concurrency       int           `name:"concurrency" env:"INGEST_CONCURRENCY" default:"10" help:"Targets processed at once."`
	FetchTimeout      time.Duration `name:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30s" help:"Per-request timeout for upstream calls."`
	RequestsPerSecond float64       `name:"requests-per-second" env:"REQUESTS_PER_SECOND" default:"0" help:"Upstream request rate cap, 0 for none."`

	DBMaxOpenConns   int           `name:"db-max-open-conns" env:"DB_MAX_OPEN_CONNS" default:"0" help:"Connection pool size, 0 picks a default per database."`
	DBConnectTimeout time.Duration `name:"db-connect-timeout" env:"DB_CONNECT_TIMEOUT" default:"30s" help:"How long to retry the initial database ping."`

	AppEnv   string `name:"app-env" env:"APP_ENV" enum:"dev,prod" default:"dev" help:"dev or prod."`
	LogLevel string `name:"log-level" env:"LOG_LEVEL" enum:"debug,info,warn,error" default:"info" help:"Minimum log level."`

	HTTPAddr string `name:"http-addr" env:"HTTP_ADDR" default:":8080" help:"Listen address for serve."`
	Cron     string `name:"cron" env:"INGEST_SCHEDULE" default:"5 * * * *" help:"Cron spec for schedule and serve."`
}

// CheckIngest checks everything a batch needs. It is called by the commands
// that ingest rather than at parse time, so a missing key becomes a batch
// failure reply instead of a usage error.
func (c Config) CheckIngest() error {
	var missing []string
	if strings.TrimSpace(c.DatabaseURL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "AIR_QUALITY_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("invalid concurrency %d (must be at least 1)", c.Concurrency)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("invalid fetch timeout %s", c.FetchTimeout)
	}
	return nil
}

// RequireDatabase checks only the database setting, for commands that do
// not call upstream.
func (c Config) RequireDatabase() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("%w: DATABASE_URL", ErrMissing)
	}
	return nil
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
