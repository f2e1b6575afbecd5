// Package health provides the HTTP liveness and readiness probes of
// voicelink.
//
//   - /healthz fails when a liveness [Checker] fails, for example when the
//     audio path stopped moving frames.
//   - /readyz fails until every readiness [Checker] passes, for example
//     until the duplex session is connected.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/pkg/transport"
)

// checkTimeout bounds a single check.
const checkTimeout = 2 * time.Second

// Checker is a named probe. Check returns nil when healthy.
type Checker struct {
	// Name keys the result in the JSON response.
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker lists are fixed before
// the handler is registered.
type Handler struct {
	live  []Checker
	ready []Checker
}

// New creates a [Handler] whose /readyz evaluates ready in order.
func New(ready ...Checker) *Handler {
	return &Handler{ready: append([]Checker(nil), ready...)}
}

// WithLiveness adds checkers evaluated by /healthz and returns h.
func (h *Handler) WithLiveness(live ...Checker) *Handler {
	h.live = append(h.live, live...)
	return h
}

// Healthz reports whether the process is alive. Without liveness checkers
// it always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.live)
}

// Readyz reports whether every readiness checker passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.ready)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, checkers []Checker) {
	res := result{Status: "ok"}
	status := http.StatusOK
	if len(checkers) > 0 {
		res.Checks = make(map[string]string, len(checkers))
	}
	for _, c := range checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SessionChecker is ready while state reports [transport.StateConnected].
func SessionChecker(state func() transport.State) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			if s := state(); s != transport.StateConnected {
				return fmt.Errorf("connection is %s", s)
			}
			return nil
		},
	}
}

// BreakerChecker fails while cb rejects calls.
func BreakerChecker(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if cb.State() == resilience.StateOpen {
				return errors.New("circuit open")
			}
			return nil
		},
	}
}

// StallChecker fails when frames has not advanced for longer than window
// while active reports true. A nil active means always active. The stall
// clock restarts whenever the path becomes active.
func StallChecker(frames func() int64, active func() bool, window time.Duration) Checker {
	return stallChecker(frames, active, window, time.Now)
}

func stallChecker(frames func() int64, active func() bool, window time.Duration, now func() time.Time) Checker {
	var (
		mu       sync.Mutex
		last     int64
		lastMove time.Time
		wasOn    bool
	)
	return Checker{
		Name: "frames",
		Check: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()

			t := now()
			on := active == nil || active()
			n := frames()
			if !on {
				wasOn = false
				return nil
			}
			if !wasOn || n != last {
				wasOn = true
				last = n
				lastMove = t
				return nil
			}
			if idle := t.Sub(lastMove); idle > window {
				return fmt.Errorf("no frame for %s", idle.Round(time.Millisecond))
			}
			return nil
		},
	}
}
