// Package health provides the gateway's HTTP health and readiness handlers.
//
// Two endpoints are exposed:
//
//   - /healthz — liveness probe; returns 200 with a snapshot of the
//     connection registry.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail"),
// an optional "connections" count, and a "checks" map with per-checker results.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe. Check returns nil when the dependency
// is healthy. It must respect context cancellation.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "history", "gateway").
	Name string

	// Check probes the dependency.
	Check func(ctx context.Context) error
}

// ConnectionCounter reports how many WebSocket connections are registered.
// The gateway's connection manager satisfies this.
type ConnectionCounter interface {
	ConnectionCount() int
}

// result is the JSON response body for both endpoints.
type result struct {
	Status      string            `json:"status"`
	Connections *int              `json:"connections,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz endpoints. Safe for concurrent use;
// the checker list is fixed at construction time.
type Handler struct {
	conns    ConnectionCounter
	checkers []Checker
}

// New creates a [Handler]. conns may be nil, in which case the liveness
// response omits the connection count. Checkers run sequentially in the order
// given on each /readyz request.
func New(conns ConnectionCounter, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{conns: conns, checkers: c}
}

// Healthz is the liveness probe. A process that can serve HTTP is alive, so
// it always returns 200 along with the current connection count.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	if h.conns != nil {
		n := h.conns.ConnectionCount()
		res.Connections = &n
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz is the readiness probe. It returns 200 only when every registered
// [Checker] passes, each bounded by [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
