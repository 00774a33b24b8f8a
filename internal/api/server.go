// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package api serves the operational HTTP surface: liveness, a status
// snapshot, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/manager"
)

// Status is the /status response body.
type Status struct {
	Version   string            `json:"version"`
	UptimeSec int64             `json:"uptime_sec"`
	Pipeline  manager.Snapshot  `json:"pipeline"`
	Producers map[string]bool   `json:"producers"`
	Restarts  map[string]uint64 `json:"producer_restarts"`
	Firings   uint64            `json:"correlator_firings"`
	Intake    int               `json:"intake_depth"`
}

// StatusSource supplies the live pieces of a Status snapshot.
type StatusSource struct {
	Version string
	Started time.Time

	Manager *manager.Manager

	// ProducerHealth returns per-producer liveness; nil omits the field.
	ProducerHealth func() map[string]bool

	// Restarts returns per-producer relaunch totals; nil omits the field.
	Restarts func() map[string]uint64

	// Firings returns the correlator's firing total; nil reports zero.
	Firings func() uint64
}

// Server is the ops HTTP server.
type Server struct {
	addr string
	src  StatusSource
}

// NewServer creates the ops server on addr.
func NewServer(addr string, src StatusSource) *Server {
	return &Server{addr: addr, src: src}
}

func (s *Server) String() string { return "ops-http" }

// Serve runs the server until the context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logging.Info().Str("addr", s.addr).Msg("Ops server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops server shutdown: %w", err)
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{
		Version:   s.src.Version,
		UptimeSec: int64(time.Since(s.src.Started).Seconds()),
	}
	if s.src.Manager != nil {
		st.Pipeline = s.src.Manager.Stats().Snapshot()
		st.Intake = s.src.Manager.IntakeDepth()
	}
	if s.src.ProducerHealth != nil {
		st.Producers = s.src.ProducerHealth()
	}
	if s.src.Restarts != nil {
		st.Restarts = s.src.Restarts()
	}
	if s.src.Firings != nil {
		st.Firings = s.src.Firings()
		st.Pipeline.CorrelatorFirings = st.Firings
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		logging.Err(err).Msg("Status encode failed")
	}
}
