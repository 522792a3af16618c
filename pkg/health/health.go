package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Probe reports whether one dependency is reachable
type Probe func(ctx context.Context) error

// SnapshotFunc produces the current metrics snapshot
type SnapshotFunc func(ctx context.Context) (any, error)

// Checker provides health check and metrics endpoints
type Checker struct {
	mu       sync.RWMutex
	probes   map[string]Probe
	snapshot SnapshotFunc
	timeout  time.Duration
	logger   *slog.Logger
}

// NewChecker creates a new health checker
func NewChecker(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		probes:  make(map[string]Probe),
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// AddProbe registers a named dependency probe
func (h *Checker) AddProbe(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
}

// SetSnapshot registers the metrics snapshot source
func (h *Checker) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// Router returns a mux router exposing the health and metrics endpoints
func (h *Checker) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HandlerFunc()).Methods(http.MethodGet)
	r.HandleFunc("/health/detailed", h.DetailedHandlerFunc()).Methods(http.MethodGet)
	r.HandleFunc("/metrics/snapshot", h.SnapshotHandlerFunc()).Methods(http.MethodGet)
	return r
}

// HandlerFunc returns 200 if the process is alive without checking dependencies
func (h *Checker) HandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.write(w, http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// DetailedHandlerFunc returns a handler that runs every registered probe
func (h *Checker) DetailedHandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := h.Check(r.Context())

		status := "healthy"
		statusCode := http.StatusOK
		for _, s := range services {
			if s != "ok" {
				status = "degraded"
				statusCode = http.StatusServiceUnavailable
				break
			}
		}

		h.write(w, statusCode, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Services:  services,
		})
	}
}

// SnapshotHandlerFunc returns the current metrics snapshot as JSON
func (h *Checker) SnapshotHandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		fn := h.snapshot
		h.mu.RUnlock()

		if fn == nil {
			http.Error(w, "snapshot not available", http.StatusNotFound)
			return
		}
		snap, err := fn(r.Context())
		if err != nil {
			h.logger.Error("Failed to compile metrics snapshot", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.write(w, http.StatusOK, snap)
	}
}

// Check runs every probe and returns a status per dependency
func (h *Checker) Check(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(h.probes))
	for k, v := range h.probes {
		probes[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	services := make(map[string]string, len(names))
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := probes[name](pctx)
		cancel()
		if err != nil {
			h.logger.Warn("Dependency probe failed", "dependency", name, "error", err)
			services[name] = "unavailable"
			continue
		}
		services[name] = "ok"
	}
	return services
}

func (h *Checker) write(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
	}
}
