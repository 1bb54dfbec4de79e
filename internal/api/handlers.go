package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/pmsync/internal/ingest"
	"github.com/lox/pmsync/internal/models"
	"github.com/lox/pmsync/internal/store"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

// handleIngest runs a batch and answers with its reply. The batch outlives a
// disconnecting client.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	out, err := s.ingester.IngestOnce(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, ingest.ErrBusy):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		reply := FailureReply(err, time.Since(start))
		s.writeJSON(w, reply.StatusCode, reply)
		return
	}
	reply := NewReply(out)
	s.writeJSON(w, reply.StatusCode, reply)
}

type TargetHealth struct {
	TargetID    int64      `json:"targetId"`
	StationName string     `json:"stationName"`
	RecordedAt  *time.Time `json:"recordedAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	AgeMinutes  int        `json:"ageMinutes"`
	Stale       bool       `json:"stale"`
}

type RunSummary struct {
	RunID      string     `json:"runId"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Targets    int        `json:"targets"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
}

type HealthStatus struct {
	Status  string         `json:"status"`
	Targets []TargetHealth `json:"targets"`
	LastRun *RunSummary    `json:"lastRun,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	readings, err := s.store.ListReadings(ctx)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{
		Status:  "ok",
		Targets: make([]TargetHealth, 0, len(readings)),
	}

	now := s.now()
	for _, tr := range readings {
		th := TargetHealth{TargetID: tr.TargetID, StationName: tr.ExternalName}
		if tr.Reading != nil {
			recorded, updated := tr.Reading.RecordedAt, tr.Reading.UpdatedAt
			th.RecordedAt = &recorded
			th.UpdatedAt = &updated
			th.AgeMinutes = int(now.Sub(updated).Minutes())
			th.Stale = now.Sub(updated) > s.staleAfter
		} else {
			th.Stale = true
			th.AgeMinutes = -1
		}
		if th.Stale {
			health.Status = "degraded"
		}
		health.Targets = append(health.Targets, th)
	}

	runs, err := s.store.GetRecentIngestRuns(ctx, 1)
	if err != nil {
		health.Errors = append(health.Errors, "ingest runs: "+err.Error())
	} else if len(runs) > 0 {
		summary := toRunSummary(runs[0])
		health.LastRun = &summary
	}

	if len(health.Errors) > 0 {
		health.Status = "error"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

type TargetReading struct {
	TargetID      int64      `json:"targetId"`
	StationName   string     `json:"stationName"`
	PM10Value     *float64   `json:"pm10Value"`
	PM25Value     *float64   `json:"pm25Value"`
	DataTime      *time.Time `json:"dataTime"`
	RequestedTime *time.Time `json:"requestedTime"`
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	readings, err := s.store.ListReadings(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, NewTargetReadings(readings))
}

// NewTargetReadings maps stored rows to their JSON shape. Targets without a
// reading keep null values.
func NewTargetReadings(readings []models.TargetReading) []TargetReading {
	out := make([]TargetReading, 0, len(readings))
	for _, tr := range readings {
		item := TargetReading{TargetID: tr.TargetID, StationName: tr.ExternalName}
		if tr.Reading != nil {
			recorded, updated := tr.Reading.RecordedAt, tr.Reading.UpdatedAt
			item.PM10Value = nullable(tr.Reading.PM10)
			item.PM25Value = nullable(tr.Reading.PM25)
			item.DataTime = &recorded
			item.RequestedTime = &updated
		}
		out = append(out, item)
	}
	return out
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := s.store.GetRecentIngestRuns(r.Context(), limit)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunSummary(run))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func toRunSummary(run store.IngestRun) RunSummary {
	rs := RunSummary{
		RunID:     run.RunID,
		StartedAt: run.StartedAt,
		Targets:   run.Targets,
		Succeeded: run.Succeeded,
		Failed:    run.Failed,
		Success:   run.Success,
	}
	if run.FinishedAt.Valid {
		finished := run.FinishedAt.Time.UTC()
		rs.FinishedAt = &finished
	}
	if run.ErrorMessage.Valid {
		rs.Error = run.ErrorMessage.String
	}
	return rs
}
