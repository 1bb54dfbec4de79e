package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lox/pmsync/internal/models"
)

// Conn is a dedicated connection checked out of the pool. Close returns it.
type Conn struct {
	conn    *sql.Conn
	dialect Dialect
}

// Acquire checks a connection out of the pool for exclusive use.
func (s *Store) Acquire(ctx context.Context) (*Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Conn{conn: c, dialect: s.dialect}, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// UpsertReading stores the reading for its target, replacing any previous
// measurement and refreshing updated_at, and returns the row as stored.
func (c *Conn) UpsertReading(ctx context.Context, r models.NormalizedReading) (*models.PersistedReading, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, c.dialect.rebind(`
		INSERT INTO external_pm (target_id, pm10, pm25, recorded_at, updated_at)
		VALUES (?, ?, ?, ?, `+c.dialect.now()+`)
		ON CONFLICT(target_id) DO UPDATE SET
			pm10 = excluded.pm10,
			pm25 = excluded.pm25,
			recorded_at = excluded.recorded_at,
			updated_at = `+c.dialect.now()+`
	`), r.TargetID, r.PM10, r.PM25, r.RecordedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert: %w", err)
	}

	row := tx.QueryRowContext(ctx, c.dialect.rebind(selectReadingSQL), r.TargetID)
	stored, err := scanReading(row)
	if err != nil {
		return nil, fmt.Errorf("read back: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

const selectReadingSQL = `
	SELECT target_id, pm10, pm25, recorded_at, updated_at
	FROM external_pm
	WHERE target_id = ?
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (*models.PersistedReading, error) {
	var r models.PersistedReading
	if err := row.Scan(&r.TargetID, &r.PM10, &r.PM25, &r.RecordedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.RecordedAt = r.RecordedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// GetReading returns the stored reading for a target, or nil if there is none.
func (s *Store) GetReading(ctx context.Context, targetID int64) (*models.PersistedReading, error) {
	r, err := scanReading(s.db.QueryRowContext(ctx, s.dialect.rebind(selectReadingSQL), targetID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListReadings returns every target with its stored reading, if any.
func (s *Store) ListReadings(ctx context.Context) ([]models.TargetReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.target_id, t.external_name, r.pm10, r.pm25, r.recorded_at, r.updated_at
		FROM targets t
		LEFT JOIN external_pm r ON r.target_id = t.target_id
		ORDER BY t.target_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TargetReading
	for rows.Next() {
		var (
			tr                    models.TargetReading
			pm10, pm25            sql.NullFloat64
			recordedAt, updatedAt sql.NullTime
		)
		if err := rows.Scan(&tr.TargetID, &tr.ExternalName, &pm10, &pm25, &recordedAt, &updatedAt); err != nil {
			return nil, err
		}
		if updatedAt.Valid {
			tr.Reading = &models.PersistedReading{
				TargetID:   tr.TargetID,
				PM10:       pm10,
				PM25:       pm25,
				RecordedAt: recordedAt.Time.UTC(),
				UpdatedAt:  updatedAt.Time.UTC(),
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
