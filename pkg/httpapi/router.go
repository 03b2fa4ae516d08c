// Package httpapi exposes the step tracker over HTTP: the signed-in user's
// session and count, archived history, operator maintenance endpoints and
// the service probes.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/txn2/steptracker/pkg/audit"
	"github.com/txn2/steptracker/pkg/auth"
	"github.com/txn2/steptracker/pkg/cache"
	"github.com/txn2/steptracker/pkg/docstore"
	"github.com/txn2/steptracker/pkg/health"
	"github.com/txn2/steptracker/pkg/identity"
	"github.com/txn2/steptracker/pkg/metrics"
	"github.com/txn2/steptracker/pkg/steps"
)

// Tracker is the part of *steps.Tracker served over HTTP.
type Tracker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Flush(ctx context.Context) error
	Status() steps.Status
}

// Session switches the signed-in user.
type Session interface {
	Current() *identity.User
	Set(u *identity.User)
	Clear()
}

// Deps holds everything the API serves.
type Deps struct {
	Tracker Tracker
	Session Session
	Store   docstore.Store
	Cache   cache.Store

	// Users authenticates end users; Operators authenticates maintenance
	// callers, who must also hold auth.RoleOperator.
	Users     auth.Authenticator
	Operators auth.Authenticator

	Health *health.Checker
	// Audit records session and operator actions. Nil disables auditing.
	Audit audit.Logger
	// MCP, when set, is mounted at /mcp behind user authentication.
	MCP http.Handler
	// AccessLog receives Apache combined-format request lines. Nil disables it.
	AccessLog io.Writer
}

// Handler serves the API.
type Handler struct {
	deps    Deps
	mux     *mux.Router
	handler http.Handler
}

// NewHandler builds the API router behind panic recovery and, when
// configured, access logging.
func NewHandler(deps Deps) *Handler {
	h := &Handler{deps: deps, mux: mux.NewRouter()}
	h.registerRoutes()

	var out http.Handler = h.mux
	if deps.AccessLog != nil {
		out = handlers.CombinedLoggingHandler(deps.AccessLog, out)
	}
	h.handler = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}))(out)
	return h
}

func (h *Handler) registerRoutes() {
	r := h.mux
	r.Use(requestID, metrics.InstrumentHandler)

	if h.deps.Health != nil {
		r.HandleFunc("/healthz", h.deps.Health.LivenessHandler()).Methods(http.MethodGet)
		r.HandleFunc("/readyz", h.deps.Health.ReadinessHandler()).Methods(http.MethodGet)
	}
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Operator routes first: /v1/admin would otherwise fall into the
	// user subrouter's prefix.
	ops := r.PathPrefix("/v1/admin").Subrouter()
	ops.Use(authenticate(h.deps.Operators, auth.RoleOperator))
	ops.HandleFunc("/flush", h.flush).Methods(http.MethodPost)
	ops.HandleFunc("/cache/{user}", h.purgeCache).Methods(http.MethodDelete)
	ops.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)

	user := r.PathPrefix("/v1").Subrouter()
	user.Use(authenticate(h.deps.Users, ""))
	user.HandleFunc("/steps", h.getSteps).Methods(http.MethodGet)
	user.HandleFunc("/history", h.getHistory).Methods(http.MethodGet)
	user.HandleFunc("/session", h.startSession).Methods(http.MethodPut)
	user.HandleFunc("/session", h.endSession).Methods(http.MethodDelete)

	if h.deps.MCP != nil {
		r.PathPrefix("/mcp").Handler(authenticate(h.deps.Users, "")(h.deps.MCP))
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
