// Package health serves the liveness and readiness probes of voxloop.
//
// GET /healthz answers 200 for as long as the process can serve HTTP.
// GET /readyz runs every registered [Checker] and answers 200 only when all
// of them pass, 503 otherwise. Both reply with a JSON body:
//
//	{"status":"fail","checks":{"session":"fail: session: setting up","backend":"ok"}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker probes one dependency. Check returns nil when the dependency is
// usable and must honour ctx cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker set is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a Handler over a private copy of checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, result{Status: statusOK})
}

// Readyz runs all checkers concurrently, each under its own [checkTimeout]
// derived from the request context. A failing checker does not cancel the
// others.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			outcomes[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: statusOK}
	if len(h.checkers) > 0 {
		res.Checks = make(map[string]string, len(h.checkers))
	}
	for i, c := range h.checkers {
		if err := outcomes[i]; err != nil {
			res.Checks[c.Name] = statusFail + ": " + err.Error()
			res.Status = statusFail
			continue
		}
		res.Checks[c.Name] = statusOK
	}
	respond(w, res)
}

func respond(w http.ResponseWriter, res result) {
	body, err := json.Marshal(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if res.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
