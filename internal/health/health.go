// Package health serves the liveness and readiness endpoints of the phone
// agent.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// answers 200 only while every registered [Check] passes; a softswitch or
// orchestrator should keep calls away from an unready instance. Both answer
// with a JSON body carrying a "status" field and, for readiness, a per-check
// "checks" map.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

// readyTimeout bounds one full readiness pass across all checks.
const readyTimeout = 5 * time.Second

// Check is one named readiness condition. Run returns nil while the
// dependency can carry calls and must respect context cancellation.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// STTReady gates readiness on the transcription stage: without a loaded
// model, an answered call could only play apologies.
func STTReady(loaded func() bool) Check {
	return Check{
		Name: "stt",
		Run: func(context.Context) error {
			if !loaded() {
				return errors.New("transcription model not loaded")
			}
			return nil
		},
	}
}

// Database gates readiness on call archival, typically [store.Store.Ping].
func Database(ping func(ctx context.Context) error) Check {
	return Check{Name: "postgres", Run: ping}
}

// Endpoints serves the health routes. It is safe for concurrent use; the
// check list is fixed at construction.
type Endpoints struct {
	checks []Check
}

// New creates the endpoints over the given checks, evaluated in order on
// every readiness request.
func New(checks ...Check) *Endpoints {
	return &Endpoints{checks: slices.Clone(checks)}
}

// Register mounts /healthz and /readyz on mux.
func (e *Endpoints) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", e.healthz)
	mux.HandleFunc("GET /readyz", e.readyz)
}

// report is the JSON body of both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (e *Endpoints) healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

func (e *Endpoints) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	rep := report{Status: "ok", Checks: make(map[string]string, len(e.checks))}
	status := http.StatusOK
	for _, c := range e.checks {
		if err := c.Run(ctx); err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		rep.Checks[c.Name] = "ok"
	}
	respond(w, status, rep)
}

func respond(w http.ResponseWriter, status int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		slog.Warn("health response write failed", "error", err)
	}
}
