package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/txn2/steptracker/pkg/audit"
	"github.com/txn2/steptracker/pkg/auth"
	"github.com/txn2/steptracker/pkg/steps"
)

type historyResponse struct {
	UserID string           `json:"user_id"`
	Days   []steps.DayTotal `json:"days"`
}

type purgeResponse struct {
	UserID  string `json:"user_id"`
	Removed int    `json:"removed"`
}

// getSteps returns the live status when the caller owns the session.
func (h *Handler) getSteps(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	st := h.deps.Tracker.Status()
	if st.UserID == "" || st.UserID != p.UserID {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(steps.DateLayout, d); err != nil {
			writeError(w, http.StatusBadRequest, "dates must be YYYY-MM-DD")
			return
		}
	}
	if from != "" && to != "" && from > to {
		writeError(w, http.StatusBadRequest, "from is after to")
		return
	}

	days, err := steps.History(r.Context(), h.deps.Store, p.UserID, from, to)
	if err != nil {
		slog.Error("reading history", "user_id", p.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{UserID: p.UserID, Days: days})
}

// startSession signs the caller in and starts tracking.
func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	h.deps.Session.Set(p.User())

	started := time.Now()
	err := h.deps.Tracker.Start(r.Context())
	h.record(r, audit.ActionSessionStart, p.UserID, nil, err, started)
	if err != nil {
		switch {
		case errors.Is(err, steps.ErrHardwareUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, steps.ErrPermissionDenied):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			slog.Error("starting session", "user_id", p.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to start session")
		}
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Tracker.Status())
}

// endSession stops tracking and signs the caller out.
func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if cur := h.deps.Session.Current(); cur != nil && cur.ID != p.UserID {
		writeError(w, http.StatusConflict, "session belongs to another user")
		return
	}

	started := time.Now()
	err := h.deps.Tracker.Stop(r.Context())
	if err != nil {
		slog.Warn("stopping session", "user_id", p.UserID, "error", err)
	}
	h.deps.Session.Clear()
	h.record(r, audit.ActionSessionEnd, p.UserID, nil, err, started)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	err := h.deps.Tracker.Flush(r.Context())
	h.record(r, audit.ActionFlush, h.deps.Tracker.Status().UserID, nil, err, started)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, steps.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("flushing step count", "error", err)
		writeError(w, http.StatusBadGateway, "failed to persist step count")
	}
}

func (h *Handler) purgeCache(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]
	started := time.Now()
	n, err := steps.PurgeCache(r.Context(), h.deps.Cache, userID)
	h.record(r, audit.ActionCachePurge, userID, map[string]any{"removed": n}, err, started)
	if err != nil {
		slog.Error("purging cache", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to purge cache")
		return
	}
	slog.Info("purged cached step state", "user_id", userID, "removed", n,
		"operator", auth.GetPrincipal(r.Context()).UserID)
	writeJSON(w, http.StatusOK, purgeResponse{UserID: userID, Removed: n})
}

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type auditResponse struct {
	Events []audit.Event `json:"events"`
}

// listAudit returns recorded actions, newest first, filtered by the actor,
// action and target query parameters.
func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audit == nil {
		writeError(w, http.StatusNotFound, "audit logging is disabled")
		return
	}
	q := r.URL.Query()
	filter := audit.QueryFilter{
		ActorID: q.Get("actor"),
		Action:  audit.Action(q.Get("action")),
		Target:  q.Get("target"),
		Limit:   defaultAuditLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxAuditLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must not be negative")
			return
		}
		filter.Offset = n
	}

	events, err := h.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		slog.Error("querying audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query audit events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Events: events})
}

// record writes an audit event for the caller. Failures are logged and
// never fail the request.
func (h *Handler) record(r *http.Request, action audit.Action, target string, params map[string]any, err error, started time.Time) {
	if h.deps.Audit == nil {
		return
	}
	event := audit.NewEvent(action).
		WithTarget(target).
		WithParameters(params).
		WithResult(err, time.Since(started)).
		WithRequestID(RequestID(r.Context()))
	if p := auth.GetPrincipal(r.Context()); p != nil {
		event.WithActor(p.UserID, p.Email)
	}
	if logErr := h.deps.Audit.Log(r.Context(), *event); logErr != nil {
		slog.Warn("recording audit event", "action", action, "error", logErr)
	}
}
