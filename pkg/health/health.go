// Package health provides readiness state tracking and HTTP health check handlers.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// ProbeTimeout bounds a single readiness probe.
const ProbeTimeout = 2 * time.Second

// ErrDegraded is returned (possibly wrapped) by a probe whose component
// works with reduced function. It does not fail readiness.
var ErrDegraded = errors.New("degraded")

// Probe checks one component.
type Probe func(ctx context.Context) error

// Checker tracks the readiness state of the service and its component
// probes. It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{probes: make(map[string]Probe)}
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// AddProbe registers a named component check run on every readiness request.
func (c *Checker) AddProbe(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Check runs the probes and reports whether the service can take traffic.
func (c *Checker) Check(ctx context.Context) (bool, map[string]string) {
	c.mu.RLock()
	probes := maps.Clone(c.probes)
	c.mu.RUnlock()

	ok := c.IsReady()
	if len(probes) == 0 {
		return ok, nil
	}
	checks := make(map[string]string, len(probes))
	for _, name := range slices.Sorted(maps.Keys(probes)) {
		pctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
		err := probes[name](pctx)
		cancel()
		switch {
		case err == nil:
			checks[name] = "ok"
		case errors.Is(err, ErrDegraded):
			checks[name] = err.Error()
		default:
			checks[name] = "error: " + err.Error()
			ok = false
		}
	}
	return ok, checks
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// and every probe passes, and 503 otherwise.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, checks := c.Check(r.Context())
		resp := healthResponse{Status: c.State(), Checks: checks}
		if ok {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
