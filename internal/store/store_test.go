package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/pmsync/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db, SQLite)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func seedTargets(t *testing.T, s *Store, targets ...models.Target) {
	t.Helper()
	for _, tg := range targets {
		if err := s.UpsertTarget(context.Background(), tg); err != nil {
			t.Fatalf("UpsertTarget(%d): %v", tg.TargetID, err)
		}
	}
}

func upsert(t *testing.T, s *Store, r models.NormalizedReading) *models.PersistedReading {
	t.Helper()
	ctx := context.Background()
	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	stored, err := conn.UpsertReading(ctx, r)
	require.NoError(t, err)
	return stored
}

func TestUpsertAndListTargets(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	seedTargets(t, store,
		models.Target{TargetID: 2, ExternalName: "중구"},
		models.Target{TargetID: 1, ExternalName: "종로구"},
	)

	targets, err := store.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, int64(1), targets[0].TargetID)
	assert.Equal(t, "종로구", targets[0].ExternalName)

	seedTargets(t, store, models.Target{TargetID: 2, ExternalName: "용산구"})
	targets, err = store.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "용산구", targets[1].ExternalName)
}

func TestListTargets_Empty(t *testing.T) {
	store := setupTestStore(t)

	targets, err := store.ListTargets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestUpsertReading_InsertThenUpdate(t *testing.T) {
	store := setupTestStore(t)
	seedTargets(t, store, models.Target{TargetID: 1, ExternalName: "종로구"})

	hour := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	first := upsert(t, store, models.NormalizedReading{
		TargetID:   1,
		PM10:       sql.NullFloat64{Float64: 35, Valid: true},
		RecordedAt: hour,
	})

	assert.Equal(t, int64(1), first.TargetID)
	assert.Equal(t, sql.NullFloat64{Float64: 35, Valid: true}, first.PM10)
	assert.False(t, first.PM25.Valid, "pm25 should be NULL")
	assert.True(t, first.RecordedAt.Equal(hour), "RecordedAt = %v, want %v", first.RecordedAt, hour)
	assert.False(t, first.UpdatedAt.IsZero())

	second := upsert(t, store, models.NormalizedReading{
		TargetID:   1,
		PM10:       sql.NullFloat64{Float64: 40, Valid: true},
		PM25:       sql.NullFloat64{Float64: 12.5, Valid: true},
		RecordedAt: hour.Add(time.Hour),
	})

	assert.Equal(t, 40.0, second.PM10.Float64)
	assert.Equal(t, 12.5, second.PM25.Float64)
	assert.True(t, second.RecordedAt.Equal(hour.Add(time.Hour)))
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt), "updated_at went backwards")

	readings, err := store.ListReadings(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 1, "one row per target")
}

func TestUpsertReading_SameValuesIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	seedTargets(t, store, models.Target{TargetID: 7, ExternalName: "강남구"})

	r := models.NormalizedReading{
		TargetID:   7,
		PM10:       sql.NullFloat64{Float64: 21, Valid: true},
		PM25:       sql.NullFloat64{Float64: 9, Valid: true},
		RecordedAt: time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC),
	}
	first := upsert(t, store, r)
	second := upsert(t, store, r)

	assert.Equal(t, first.PM10, second.PM10)
	assert.Equal(t, first.PM25, second.PM25)
	assert.True(t, first.RecordedAt.Equal(second.RecordedAt))
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}

func TestGetReading(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedTargets(t, store, models.Target{TargetID: 1, ExternalName: "종로구"})

	got, err := store.GetReading(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got, "no reading stored yet")

	upsert(t, store, models.NormalizedReading{
		TargetID:   1,
		PM25:       sql.NullFloat64{Float64: 18, Valid: true},
		RecordedAt: time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC),
	})

	got, err = store.GetReading(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.PM10.Valid)
	assert.Equal(t, 18.0, got.PM25.Float64)
}

func TestListReadings_IncludesTargetsWithoutReadings(t *testing.T) {
	store := setupTestStore(t)
	seedTargets(t, store,
		models.Target{TargetID: 1, ExternalName: "종로구"},
		models.Target{TargetID: 2, ExternalName: "중구"},
	)
	upsert(t, store, models.NormalizedReading{
		TargetID:   2,
		PM10:       sql.NullFloat64{Float64: 50, Valid: true},
		RecordedAt: time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC),
	})

	readings, err := store.ListReadings(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.Equal(t, "종로구", readings[0].ExternalName)
	assert.Nil(t, readings[0].Reading)

	assert.Equal(t, "중구", readings[1].ExternalName)
	require.NotNil(t, readings[1].Reading)
	assert.Equal(t, 50.0, readings[1].Reading.PM10.Float64)
	assert.False(t, readings[1].Reading.PM25.Valid)
}

func TestUpsertReading_ConcurrentDistinctTargets(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store, err := Open(ctx, Options{DSN: filepath.Join(dir, "pm.db"), MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	const n = 20
	for i := 1; i <= n; i++ {
		seedTargets(t, store, models.Target{TargetID: int64(i), ExternalName: "station"})
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			conn, err := store.Acquire(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			_, err = conn.UpsertReading(ctx, models.NormalizedReading{
				TargetID:   id,
				PM10:       sql.NullFloat64{Float64: float64(id), Valid: true},
				RecordedAt: time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC),
			})
			errs <- err
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	readings, err := store.ListReadings(ctx)
	require.NoError(t, err)
	require.Len(t, readings, n)
	for _, r := range readings {
		require.NotNil(t, r.Reading, "target %d", r.TargetID)
		assert.Equal(t, float64(r.TargetID), r.Reading.PM10.Float64)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))

	version, err := store.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)
}

func TestIngestRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2024, 3, 1, 5, 2, 0, 0, time.UTC)
	run, err := store.StartIngestRun(ctx, "run-1", started)
	require.NoError(t, err)

	run.Targets = 3
	run.Succeeded = 2
	run.Failed = 1
	run.Success = true
	run.FinishedAt = sql.NullTime{Time: started.Add(4 * time.Second), Valid: true}
	require.NoError(t, store.CompleteIngestRun(ctx, run))

	_, err = store.StartIngestRun(ctx, "run-2", started.Add(time.Hour))
	require.NoError(t, err)

	runs, err := store.GetRecentIngestRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-2", runs[0].RunID)
	assert.False(t, runs[0].FinishedAt.Valid)

	assert.Equal(t, "run-1", runs[1].RunID)
	assert.Equal(t, 3, runs[1].Targets)
	assert.Equal(t, 2, runs[1].Succeeded)
	assert.Equal(t, 1, runs[1].Failed)
	assert.True(t, runs[1].Success)
	assert.True(t, runs[1].StartedAt.Equal(started))
}

func TestCompleteIngestRun_Nil(t *testing.T) {
	store := setupTestStore(t)
	assert.NoError(t, store.CompleteIngestRun(context.Background(), nil))
}

func TestParseDSN(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		dsn     string
		dialect Dialect
		wantErr bool
	}{
		{"postgres", "postgres://u:p@localhost:5432/pm", Postgres, false},
		{"postgresql", "postgresql://u:p@localhost/pm?sslmode=disable", Postgres, false},
		{"memory", ":memory:", SQLite, false},
		{"file path", filepath.Join(dir, "data", "pm.db"), SQLite, false},
		{"sqlite scheme", "sqlite://" + filepath.Join(dir, "pm.db"), SQLite, false},
		{"empty", "  ", SQLite, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, err := parseDSN(tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dialect, d)
		})
	}
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ?, b = ? WHERE id = ?"
	assert.Equal(t, q, SQLite.rebind(q))
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", Postgres.rebind(q))
}

func TestParseDSN_SQLiteParams(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "pm.db")
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{"defaults only", db, "file:" + db + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"caller mode kept", "file:" + db + "?mode=ro", "file:" + db + "?mode=ro&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"caller pragma added", db + "?_pragma=foreign_keys(1)", "file:" + db + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"caller journal mode wins", db + "?_pragma=journal_mode(DELETE)", "file:" + db + "?_pragma=journal_mode(DELETE)&_pragma=busy_timeout(5000)"},
		{"caller busy timeout wins", "sqlite://" + db + "?_pragma=busy_timeout%2810%29", "file:" + db + "?_pragma=busy_timeout%2810%29&_pragma=journal_mode(WAL)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, got, err := parseDSN(tt.dsn)
			require.NoError(t, err)
			assert.Equal(t, SQLite, d)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDSN_RejectsMalformedQuery(t *testing.T) {
	_, _, err := parseDSN(filepath.Join(t.TempDir(), "pm.db") + "?mode=%zz")
	assert.Error(t, err)
}

func TestOpen_KeepsCallerPragmas(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "pm.db") + "?_pragma=foreign_keys(1)"

	st, err := Open(ctx, Options{DSN: dsn, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var fk int
	require.NoError(t, st.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var mode string
	require.NoError(t, st.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))
}
