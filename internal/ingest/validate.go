package ingest

import (
	"github.com/lox/pmsync/internal/models"
)

const (
	FlagPM10Negative  = "pm10_negative"
	FlagPM25Negative  = "pm25_negative"
	FlagPM10Unlikely  = "pm10_unlikely"
	FlagPM25Unlikely  = "pm25_unlikely"
	FlagPM25AbovePM10 = "pm25_above_pm10"
)

// ValidateReading returns quality flags for implausible concentrations. The
// reading is stored as reported either way; flags are only logged.
func ValidateReading(r models.NormalizedReading) []string {
	var flags []string

	if r.PM10.Valid {
		if r.PM10.Float64 < 0 {
			flags = append(flags, FlagPM10Negative)
		} else if r.PM10.Float64 > 2000 {
			flags = append(flags, FlagPM10Unlikely)
		}
	}

	if r.PM25.Valid {
		if r.PM25.Float64 < 0 {
			flags = append(flags, FlagPM25Negative)
		} else if r.PM25.Float64 > 1000 {
			flags = append(flags, FlagPM25Unlikely)
		}
	}

	// PM2.5 is a subset of PM10; small excesses are instrument noise.
	if r.PM10.Valid && r.PM25.Valid && r.PM25.Float64 > r.PM10.Float64+10 {
		flags = append(flags, FlagPM25AbovePM10)
	}

	return flags
}
