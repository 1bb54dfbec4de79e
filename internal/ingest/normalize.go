package ingest

import (
	"database/sql"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lox/pmsync/internal/models"
)

const dataTimeLayout = "2006-01-02 15:04"

// KST is the fixed UTC+9 zone AirKorea reports in.
var KST = time.FixedZone("KST", 9*60*60)

type Normalizer struct {
	Now    func() time.Time
	Logger *slog.Logger
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n Normalizer) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// Normalize converts the latest item of raw into a reading bucketed to the
// UTC hour. It returns ErrNoData when raw has no items.
func (n Normalizer) Normalize(targetID int64, raw *RawReading) (models.NormalizedReading, error) {
	item, ok := raw.Latest()
	if !ok {
		return models.NormalizedReading{}, ErrNoData
	}

	recorded, ok := ParseDataTime(item.DataTime.Value)
	if !ok {
		recorded = n.now().In(KST)
		n.logger().Warn("unparsable dataTime, using current time",
			"target_id", targetID, "data_time", item.DataTime.Value)
	}

	return models.NormalizedReading{
		TargetID:   targetID,
		PM10:       parseConcentration(item.PM10Value),
		PM25:       parseConcentration(item.PM25Value),
		RecordedAt: recorded.UTC().Truncate(time.Hour),
	}, nil
}

// ParseDataTime parses "YYYY-MM-DD HH:MM" in KST. AirKorea closes a day with
// "24:00", which is read as 00:00 of the following day.
func ParseDataTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if date, ok := strings.CutSuffix(s, " 24:00"); ok {
		d, err := time.ParseInLocation("2006-01-02", date, KST)
		if err != nil {
			return time.Time{}, false
		}
		return d.AddDate(0, 0, 1), true
	}
	t, err := time.ParseInLocation(dataTimeLayout, s, KST)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseConcentration maps "-", blanks and anything non-numeric to NULL.
func parseConcentration(v Text) sql.NullFloat64 {
	if !v.Valid {
		return sql.NullFloat64{}
	}
	s := strings.TrimSpace(v.Value)
	if s == "" || s == "-" {
		return sql.NullFloat64{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}
