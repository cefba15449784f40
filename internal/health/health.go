// Package health serves the /health, /ready and /metrics endpoints shared by
// the request worker and the stream logger.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"practice-bridge/internal/observability/logging"
	"practice-bridge/internal/observability/metrics"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Snapshot is the process state reported on /health.
type Snapshot struct {
	Status          string            `json:"status"`
	Uptime          float64           `json:"uptime"`
	StreamConnected bool              `json:"streamConnected"`
	Processed       uint64            `json:"processed"`
	Errors          uint64            `json:"errors"`
	ActiveRequests  int               `json:"activeRequests"`
	Components      []ComponentStatus `json:"components,omitempty"`

	// Ready is reported on /ready only.
	Ready bool `json:"-"`
}

// ComponentStatus is the outcome of one dependency probe.
type ComponentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Reporter exposes the counters of a long-running loop.
type Reporter interface {
	HealthSnapshot() Snapshot
}

// Probe checks one dependency, typically a Ping.
type Probe struct {
	Name  string
	Check func(context.Context) error
}

// Config wires a Reporter and optional probes into a mux.
type Config struct {
	Reporter     Reporter
	Probes       []Probe
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	ProbeTimeout time.Duration
}

// NewMux returns a mux serving /health, /ready and /metrics. Callers may
// register further routes on it before serving.
func NewMux(cfg Config) *http.ServeMux {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	h := &handler{reporter: cfg.Reporter, probes: cfg.Probes, timeout: timeout}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/ready", h.ready)
	mux.Handle("/metrics", recorder.Handler())
	return mux
}

// Wrap applies request ids, request metrics and request logging to handler.
func Wrap(handler http.Handler, recorder *metrics.Recorder, logger *slog.Logger) http.Handler {
	logged := logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: []string{"/health", "/ready", "/metrics"},
	})(handler)
	return metrics.HTTPMiddleware(recorder, requestIDMiddleware(logger, logged))
}

type handler struct {
	reporter Reporter
	probes   []Probe
	timeout  time.Duration
}

func (h *handler) snapshot(ctx context.Context) Snapshot {
	var snap Snapshot
	if h.reporter != nil {
		snap = h.reporter.HealthSnapshot()
	}
	healthy := snap.StreamConnected
	if len(h.probes) > 0 {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		snap.Components = make([]ComponentStatus, 0, len(h.probes))
		for _, probe := range h.probes {
			status := ComponentStatus{Component: probe.Name, Status: "ok"}
			if err := probe.Check(ctx); err != nil {
				status.Status = "degraded"
				status.Error = err.Error()
				healthy = false
			}
			snap.Components = append(snap.Components, status)
		}
	}
	if healthy {
		snap.Status = StatusHealthy
	} else {
		snap.Status = StatusUnhealthy
		snap.Ready = false
	}
	return snap
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	snap := h.snapshot(r.Context())
	code := http.StatusOK
	if snap.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	snap := h.snapshot(r.Context())
	code := http.StatusOK
	if !snap.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"ready": snap.Ready})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
