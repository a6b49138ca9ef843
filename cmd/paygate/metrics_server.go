package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var statusShutdownTimeout = 5 * time.Second

// flowStatus is the last known state of the flow the CLI is driving.
type flowStatus struct {
	mu      sync.Mutex
	Flow    string    `json:"flow"`
	State   string    `json:"state"`
	Updated time.Time `json:"updated"`
}

func (s *flowStatus) set(flow, state string) {
	s.mu.Lock()
	s.Flow, s.State, s.Updated = flow, state, time.Now()
	s.mu.Unlock()
}

func (s *flowStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	snap := flowStatus{Flow: s.Flow, State: s.State, Updated: s.Updated}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = writeJSON(w, &snap)
}

func newStatusHandler(status *flowStatus) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/status", status)
	return mux
}

// startStatusServer serves Prometheus metrics and the flow status on addr
// until ctx ends. It returns the bound address.
func startStatusServer(ctx context.Context, addr string, status *flowStatus) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{
		Handler:      newStatusHandler(status),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("Failed to shut down status server cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("Status endpoint listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("Status server stopped unexpectedly")
		}
	}()
	return ln.Addr().String(), nil
}
