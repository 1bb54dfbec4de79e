package models

import (
	"database/sql"
	"time"
)

// Target is one monitoring station polled in a batch. TargetID is the local
// region identifier; ExternalName is the station name the upstream API knows.
type Target struct {
	TargetID     int64
	ExternalName string
}

type NormalizedReading struct {
	TargetID   int64
	PM10       sql.NullFloat64
	PM25       sql.NullFloat64
	RecordedAt time.Time // UTC, truncated to the hour
}

type PersistedReading struct {
	TargetID   int64
	PM10       sql.NullFloat64
	PM25       sql.NullFloat64
	RecordedAt time.Time
	UpdatedAt  time.Time
}

// TargetReading pairs a target with its stored reading, if any.
type TargetReading struct {
	Target
	Reading *PersistedReading
}
