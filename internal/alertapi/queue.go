package alertapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/argus/internal/alert"
	"github.com/linnemanlabs/argus/internal/triage"
)

// enqueueRequest is the alert snapshot an analyst hands off for analysis.
type enqueueRequest struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Rule      alert.Rule      `json:"rule"`
	Agent     alert.Agent     `json:"agent"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "alert id is required")
		return
	}

	al := &alert.Alert{
		ID:        req.ID,
		Timestamp: req.Timestamp,
		Rule:      req.Rule,
		Agent:     req.Agent,
		Raw:       req.Raw,
	}

	item, err := a.svc.Enqueue(r.Context(), al)
	if err != nil {
		switch {
		case errors.Is(err, triage.ErrDuplicate):
			writeError(w, http.StatusConflict, "alert already queued")
		case errors.Is(err, triage.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, "queue full")
		default:
			a.logger.Error(r.Context(), err, "enqueue failed", "alert_id", req.ID)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	items := a.svc.List(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": a.svc.ActiveCount(r.Context()),
	})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("argus.triage.id", id))

	item, ok := a.svc.Get(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("argus.triage.status", string(item.Status)))
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := a.svc.Process(r.Context(), id)
	if err != nil {
		a.writeTransitionError(w, r, err, id, "process")
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (a *API) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := a.svc.Dismiss(r.Context(), id)
	if err != nil {
		a.writeTransitionError(w, r, err, id, "dismiss")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	removed := a.svc.ClearHistory(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (a *API) writeTransitionError(w http.ResponseWriter, r *http.Request, err error, id, op string) {
	switch {
	case errors.Is(err, triage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, triage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "item is not in a valid status for "+op)
	default:
		a.logger.Error(r.Context(), err, op+" failed", "item_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
