// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz reports liveness; a process that can serve HTTP is alive.
//   - /readyz reports readiness; 200 only when every registered [Checker] passes.
//
// Responses are JSON with a top-level "status" ("ok" or "fail") and a
// per-check "checks" map.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/inkwise/inkwise/internal/engine"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable and an error describing the failure otherwise. It must respect
// context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Providers returns a [Checker] that probes every configured provider through
// the engine. The check passes as long as at least one provider answers its
// probe: a degraded provider set still serves completions via fallback, so it
// must not flip readiness.
func Providers(e *engine.Engine) Checker {
	return Checker{
		Name: "providers",
		Check: func(ctx context.Context) error {
			results, err := e.ProbeAll(ctx)
			if err != nil {
				return err
			}
			var failures []error
			for name, probeErr := range results {
				if probeErr != nil {
					failures = append(failures, fmt.Errorf("%s: %w", name, probeErr))
				}
			}
			if len(failures) == len(results) {
				return fmt.Errorf("no provider reachable: %w", errors.Join(failures...))
			}
			return nil
		},
	}
}

// Engine returns a [Checker] that fails once the engine has left the Ready
// state.
func Engine(e *engine.Engine) Checker {
	return Checker{
		Name: "engine",
		Check: func(context.Context) error {
			if s := e.State(); s != engine.Ready {
				return fmt.Errorf("engine is %s", s)
			}
			return nil
		},
	}
}

// result is the JSON body served by both endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction; safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every checker passes. Each checker gets a
// context bounded by checkTimeout, derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
