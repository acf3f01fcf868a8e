package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// Lifecycle states reported by /readyz.
const (
	StateStarting = "starting"
	StateReady    = "ready"
	StateDraining = "draining"
)

// ReadinessCheck reports an error while a dependency is not usable.
type ReadinessCheck func() error

// Health serves /healthz for liveness and /readyz for readiness. The relay
// is ready only in StateReady with every check passing.
type Health struct {
	state atomic.Value

	mu     sync.RWMutex
	checks map[string]ReadinessCheck
}

// NewHealth returns a Health in StateStarting.
func NewHealth() *Health {
	h := &Health{checks: make(map[string]ReadinessCheck)}
	h.state.Store(StateStarting)
	return h
}

// SetState moves the relay to one of the lifecycle states.
func (h *Health) SetState(state string) {
	h.state.Store(state)
}

// State returns the current lifecycle state.
func (h *Health) State() string {
	return h.state.Load().(string)
}

// AddCheck registers a named readiness check.
func (h *Health) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Register mounts the endpoints on mux.
func (h *Health) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "state": h.State()})
	})
	mux.HandleFunc("GET /readyz", h.handleReady)
}

func (h *Health) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := h.State()
	if state != StateReady {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "state": state})
		return
	}
	if failing := h.failingChecks(); len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "state": state, "checks": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "state": state})
}

// failingChecks runs the checks outside the lock in name order.
func (h *Health) failingChecks() map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	var failing map[string]string
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()
		if err := check(); err != nil {
			if failing == nil {
				failing = make(map[string]string)
			}
			failing[name] = err.Error()
		}
	}
	return failing
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
