package alertapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// sseWriteTimeout bounds each event write so a stalled client cannot hold
// the broadcaster's delivery loop.
const sseWriteTimeout = 10 * time.Second

// sseSink adapts an http.ResponseWriter to the stream.Sink contract.
// The poll loop and the session heartbeat write concurrently, so every
// write goes through mu.
type sseSink struct {
	mu sync.Mutex
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// Send writes one named SSE event with a JSON payload and flushes it.
func (s *sseSink) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sse: marshal %s event: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("sse: set write deadline: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("sse: write %s event: %w", event, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("sse: flush: %w", err)
	}
	return nil
}

// handleStream upgrades the request to a long-lived SSE stream. The
// `level` query parameter sets the per-subscriber severity threshold;
// absent or malformed values fall back to the scheduler default.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	threshold := a.streamer.DefaultLevel()
	if raw := r.URL.Query().Get("level"); raw != "" {
		if lvl, err := strconv.Atoi(raw); err == nil {
			threshold = lvl
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sess, err := a.streamer.Subscribe(newSSESink(w), threshold)
	if err != nil {
		// The connected event never made it out; nothing more to send.
		a.logger.Error(r.Context(), err, "stream subscribe failed")
		return
	}

	a.logger.Info(r.Context(), "stream opened",
		"session_id", sess.ID,
		"threshold", sess.Threshold,
	)

	<-r.Context().Done()
	a.streamer.Unsubscribe(sess.ID)
}
