// Package alertapi exposes the HTTP surface of Argus: the live alert
// stream (SSE) and the triage queue management endpoints.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/argus/internal/alert"
	"github.com/linnemanlabs/argus/internal/stream"
	"github.com/linnemanlabs/argus/internal/triage"
)

// TriageService defines the queue operations alertapi needs.
type TriageService interface {
	Enqueue(ctx context.Context, al *alert.Alert) (*triage.Item, error)
	Get(ctx context.Context, id string) (*triage.Item, bool)
	List(ctx context.Context) []*triage.Item
	Process(ctx context.Context, id string) (*triage.Item, error)
	Dismiss(ctx context.Context, id string) (*triage.Item, error)
	ClearHistory(ctx context.Context) int
	ActiveCount(ctx context.Context) int
}

// Streamer defines the subscription operations alertapi needs.
type Streamer interface {
	Subscribe(sink stream.Sink, threshold int) (*stream.Session, error)
	Unsubscribe(sessionID string)
	DefaultLevel() int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      TriageService
	streamer Streamer
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService, streamer Streamer) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	if streamer == nil {
		panic(xerrors.New("streamer is required"))
	}
	return &API{
		logger:   logger,
		svc:      svc,
		streamer: streamer,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/alerts/stream", a.handleStream)

		r.Route("/triage", func(r chi.Router) {
			r.Post("/", a.handleEnqueue)
			r.Get("/", a.handleList)
			r.Delete("/history", a.handleClearHistory)
			r.Get("/{id}", a.handleGet)
			r.Post("/{id}/process", a.handleProcess)
			r.Post("/{id}/dismiss", a.handleDismiss)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
