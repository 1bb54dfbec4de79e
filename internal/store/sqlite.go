package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/lox/pmsync/internal/models"
)

// Dialect selects the SQL flavour the store speaks.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// now is the server-side clock expression used for updated_at.
func (d Dialect) now() string {
	if d == Postgres {
		return "now()"
	}
	return "strftime('%Y-%m-%d %H:%M:%f', 'now')"
}

// rebind rewrites ? placeholders into $N for Postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Options configures Open.
type Options struct {
	DSN            string
	MaxOpenConns   int
	ConnectTimeout time.Duration
}

// Open connects to the database named by opts.DSN. postgres:// and
// postgresql:// URLs use pgx; anything else is treated as a SQLite path.
// The initial ping is retried until ConnectTimeout elapses.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dialect, dsn, err := parseDSN(opts.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		// SQLite serialises writers anyway, and :memory: databases are per connection.
		maxOpen = 1
		if dialect == Postgres {
			maxOpen = 10
		}
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = timeout
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}
	if err := backoff.Retry(ping, backoff.WithContext(bo, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	return New(db, dialect), nil
}

func parseDSN(raw string) (Dialect, string, error) {
	dsn := strings.TrimSpace(raw)
	switch {
	case dsn == "":
		return SQLite, "", fmt.Errorf("empty database url")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Postgres, dsn, nil
	case dsn == ":memory:":
		return SQLite, dsn, nil
	}

	path := strings.TrimPrefix(dsn, "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	path, query, _ := strings.Cut(path, "?")
	params, err := sqliteParams(query)
	if err != nil {
		return SQLite, "", err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return SQLite, "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return SQLite, "file:" + path + "?" + params, nil
}

var defaultPragmas = []struct{ name, value string }{
	{"busy_timeout", "busy_timeout(5000)"},
	{"journal_mode", "journal_mode(WAL)"},
}

// sqliteParams keeps the caller's query parameters and appends the default
// pragmas the caller did not set.
func sqliteParams(query string) (string, error) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", fmt.Errorf("sqlite dsn query %q: %w", query, err)
	}
	set := map[string]bool{}
	for _, p := range values["_pragma"] {
		name, _, _ := strings.Cut(p, "(")
		name, _, _ = strings.Cut(name, "=")
		set[strings.ToLower(strings.TrimSpace(name))] = true
	}

	var parts []string
	if query != "" {
		parts = append(parts, query)
	}
	for _, p := range defaultPragmas {
		if !set[p.name] {
			parts = append(parts, "_pragma="+p.value)
		}
	}
	return strings.Join(parts, "&"), nil
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertTarget(ctx context.Context, t models.Target) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO targets (target_id, external_name)
		VALUES (?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			external_name = excluded.external_name
	`), t.TargetID, t.ExternalName)
	return err
}

// ListTargets returns every ingestion target ordered by id.
func (s *Store) ListTargets(ctx context.Context) ([]models.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target_id, external_name FROM targets ORDER BY target_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.TargetID, &t.ExternalName); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}
