package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/meshbridge/common/version"
)

// HealthServer exposes GET /healthz for container liveness probes. It is
// optional; the bridge runs without it when HealthAddr is empty.
type HealthServer struct {
	addr      string
	store     statusProvider
	sources   map[string]func() bool
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// statusProvider is the minimal interface the health server needs from the
// store.
type statusProvider interface {
	CountMessageStates(ctx context.Context) (int, error)
}

// healthResponse is returned by GET /healthz.
type healthResponse struct {
	Status          string          `json:"status"`
	Version         string          `json:"version"`
	StartedAt       time.Time       `json:"started_at"`
	UptimeSecs      float64         `json:"uptime_seconds"`
	TrackedMessages int             `json:"tracked_messages"`
	Sources         map[string]bool `json:"sources"`
}

// NewHealthServer creates and configures the HTTP server without starting
// it. sources maps each enabled mesh source to its connectivity probe.
func NewHealthServer(addr string, sp statusProvider, sources map[string]func() bool) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		store:     sp,
		sources:   sources,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("/healthz", hs.handleHealthz)
	return hs
}

// ServeHTTP implements http.Handler so the routes can be tested without a
// live network listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. It blocks until the listener is
// established so the caller knows the port is open before returning.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	tracked := 0
	if h.store != nil {
		if n, err := h.store.CountMessageStates(r.Context()); err == nil {
			tracked = n
		}
	}
	sources := make(map[string]bool, len(h.sources))
	for name, connected := range h.sources {
		sources[name] = connected()
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		Version:         version.Version,
		StartedAt:       h.startedAt,
		UptimeSecs:      time.Since(h.startedAt).Seconds(),
		TrackedMessages: tracked,
		Sources:         sources,
	})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
