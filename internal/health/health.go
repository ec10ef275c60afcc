// Package health serves the HTTP health endpoint.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Stats is the read view the endpoint reports on.
type Stats interface {
	Counts() (subscriptions, accounts int)
}

// Server exposes GET /healthz.
type Server struct {
	stats   Stats
	log     *slog.Logger
	started time.Time
	srv     *http.Server
}

// New creates a health server listening on addr.
func New(addr string, stats Stats, log *slog.Logger) *Server {
	s := &Server{
		stats:   stats,
		log:     log,
		started: time.Now().UTC(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("health endpoint listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error("health server", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	subscriptions, accounts := s.stats.Counts()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"subscriptions":  subscriptions,
		"accounts":       accounts,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}
