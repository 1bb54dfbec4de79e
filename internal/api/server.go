package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/pmsync/internal/ingest"
	"github.com/lox/pmsync/internal/store"
)

// DefaultStaleAfter is how old a stored reading may get before /health
// reports the target as stale.
const DefaultStaleAfter = 3 * time.Hour

// Ingester runs one batch on demand.
type Ingester interface {
	IngestOnce(ctx context.Context) (*ingest.Outcome, error)
}

type Server struct {
	store      *store.Store
	ingester   Ingester
	addr       string
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

func NewServer(st *store.Store, ingester Ingester, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      st,
		ingester:   ingester,
		addr:       addr,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/readings", s.handleReadings).Methods(http.MethodGet)
	r.HandleFunc("/api/runs", s.handleRuns).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(r)
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           handlers.LoggingHandler(os.Stdout, s.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
