// Package health provides the dispatcher's liveness and readiness HTTP
// endpoints, following the same mux-plus-JSON-response shape as the
// marketplace's own health server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/autobb888/vap-dispatcher/pkg/metrics"
)

// Checker reports whether the dispatcher core is ready to accept traffic.
// Implemented by *dispatcher.Dispatcher; kept narrow so this package
// doesn't import pkg/dispatcher (health is a leaf dependency of it, wired
// together only in cmd/vap-dispatcher).
type Checker interface {
	ActiveJobCount() int
	MarketplaceReachable(ctx context.Context) error
	ContainerRuntimeReachable(ctx context.Context) error
}

// probeTimeout bounds how long a single readiness probe (marketplace or
// container runtime) may block a /ready request.
const probeTimeout = 3 * time.Second

// Server serves /health (liveness) and /ready (readiness) over HTTP.
type Server struct {
	dispatcher Checker
	poolSize   int
	mux        *http.ServeMux
}

// NewServer constructs a Server. poolSize is the configured port range
// size, used only to report pool occupancy in the readiness payload.
func NewServer(dispatcher Checker, poolSize int) *Server {
	mux := http.NewServeMux()
	s := &Server{dispatcher: dispatcher, poolSize: poolSize, mux: mux}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// Handler returns the mux for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HealthResponse is the /health liveness payload: 200 whenever the
// process is alive, regardless of dispatcher state.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready readiness payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyHandler reports not-ready while the dispatcher hasn't been wired
// up yet, or when the marketplace or the container runtime is
// unreachable. A fully occupied pool is still "ready" — it just can't
// admit more jobs until one retires.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var messages []string

	if s.dispatcher == nil {
		checks["dispatcher"] = "not initialized"
		ready = false
		messages = append(messages, "dispatcher not initialized")
	} else {
		active := s.dispatcher.ActiveJobCount()
		checks["dispatcher"] = "ok"
		checks["pool"] = poolOccupancy(active, s.poolSize)

		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		if err := s.dispatcher.MarketplaceReachable(ctx); err != nil {
			checks["marketplace"] = "unreachable"
			ready = false
			messages = append(messages, "marketplace unreachable: "+err.Error())
		} else {
			checks["marketplace"] = "ok"
		}

		if err := s.dispatcher.ContainerRuntimeReachable(ctx); err != nil {
			checks["container_runtime"] = "unreachable"
			ready = false
			messages = append(messages, "container runtime unreachable: "+err.Error())
		} else {
			checks["container_runtime"] = "ok"
		}
	}

	var message string
	if len(messages) > 0 {
		message = strings.Join(messages, "; ")
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

func poolOccupancy(active, size int) string {
	if size == 0 {
		return "unconfigured"
	}
	if active >= size {
		return "full"
	}
	return "ok"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
