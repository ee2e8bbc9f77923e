// Package httpapi exposes the operational surface: /health and
// /metrics. It serves no market data; consumers read through Redis.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthSource is what the engine exposes to the health endpoint.
type HealthSource interface {
	LastSeen() time.Time
	Symbols() []string
}

// Server wraps the operational HTTP listener.
type Server struct {
	srv *http.Server
}

type healthResponse struct {
	Status      string  `json:"status"`
	LastSeen    string  `json:"last_seen,omitempty"`
	LastSeenAge float64 `json:"last_seen_age_seconds,omitempty"`
	Symbols     int     `json:"symbols"`
}

// New builds the server on addr.
func New(addr string, src HealthSource) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := healthResponse{Status: "ok", Symbols: len(src.Symbols())}
		if seen := src.LastSeen(); !seen.IsZero() {
			resp.LastSeen = seen.UTC().Format(time.RFC3339)
			resp.LastSeenAge = time.Since(seen).Seconds()
			// Several minutes behind the head means the engine is
			// stalled, not just quiet.
			if resp.LastSeenAge > 300 {
				resp.Status = "stale"
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		json.NewEncoder(w).Encode(resp)
	}).Methods(http.MethodGet)

	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("http listener up")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
