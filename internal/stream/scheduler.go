// Package stream delivers near-real-time alerts to subscriber connections.
// A single shared poll loop queries the upstream indexer at the lowest
// severity threshold any live subscriber asked for, then fans filtered
// batches out per session. Per-session heartbeats run on their own timers
// so a slow upstream call never blocks liveness signaling.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/argus/internal/alert"
)

// minPollInterval is the floor for the shared poll timer, to bound load on
// the upstream store regardless of configuration.
const minPollInterval = 5 * time.Second

// maxStatusMessage caps the message carried in a status event.
const maxStatusMessage = 200

// Searcher is the upstream search contract the scheduler polls.
type Searcher interface {
	Configured() bool
	Search(ctx context.Context, from, to time.Time, minLevel, max int) ([]alert.Alert, error)
}

// Sink is a subscriber's connection handle. Send must be safe for
// concurrent use; the poll loop and the session's heartbeat both write.
type Sink interface {
	Send(event string, data any) error
}

// Session is one live subscriber. The severity threshold is fixed for the
// session's lifetime.
type Session struct {
	ID          string
	Threshold   int
	ConnectedAt time.Time

	sink          sinkRef
	stopHeartbeat context.CancelFunc
}

// sinkRef keeps the Sink out of the exported surface.
type sinkRef struct{ Sink }

// Options configures a Scheduler.
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// Lookback bounds the first query after the registry transitions from
	// empty to non-empty, so a fresh session never replays old history.
	Lookback     time.Duration
	BatchSize    int
	DefaultLevel int
	QueryTimeout time.Duration
}

// withDefaults fills zero fields and enforces the poll floor.
func (o Options) withDefaults() Options {
	if o.PollInterval < minPollInterval {
		o.PollInterval = minPollInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Lookback <= 0 {
		o.Lookback = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.DefaultLevel == 0 {
		o.DefaultLevel = 12
	}
	o.DefaultLevel = alert.ClampLevel(o.DefaultLevel)
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = o.PollInterval
	}
	return o
}

// Scheduler owns the subscriber registry, the shared poll loop, and the
// high-water-mark. All shared state is guarded by mu.
type Scheduler struct {
	searcher Searcher
	logger   log.Logger
	metrics  *Metrics
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session
	hwm      time.Time
	stopPoll context.CancelFunc
	pollDone chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Scheduler. The poll loop starts when the first subscriber
// arrives and stops when the last one leaves.
func New(searcher Searcher, logger log.Logger, metrics *Metrics, opts Options) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Scheduler{
		searcher: searcher,
		logger:   logger,
		metrics:  metrics,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// DefaultLevel returns the threshold applied when a subscriber does not
// request one.
func (s *Scheduler) DefaultLevel() int { return s.opts.DefaultLevel }

// Subscribe registers a new session at the given severity threshold,
// clamped to the valid rule level range. The first session starts the
// shared poll loop. The connected event is written before Subscribe
// returns; if that write fails, the session is discarded.
func (s *Scheduler) Subscribe(sink Sink, threshold int) (*Session, error) {
	threshold = alert.ClampLevel(threshold)

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	sess := &Session{
		ID:            ulid.Make().String(),
		Threshold:     threshold,
		ConnectedAt:   s.now(),
		sink:          sinkRef{sink},
		stopHeartbeat: stopHeartbeat,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	count := len(s.sessions)
	if count == 1 {
		// Fresh occupancy: forget the old high-water-mark so the first
		// poll starts from the lookback window, not stale history.
		s.hwm = time.Time{}
		s.startPollLocked()
	}
	s.mu.Unlock()

	s.metrics.Subscribers.Set(float64(count))

	if err := sess.sink.Send(EventConnected, ConnectedEvent{
		ClientID:          sess.ID,
		SeverityThreshold: sess.Threshold,
		PollIntervalMs:    s.opts.PollInterval.Milliseconds(),
		ConnectedClients:  count,
	}); err != nil {
		s.remove(sess.ID)
		return nil, fmt.Errorf("stream: connected event write: %w", err)
	}

	go s.heartbeatLoop(hbCtx, sess)

	s.logger.Info(context.Background(), "subscriber connected",
		"session_id", sess.ID,
		"threshold", sess.Threshold,
		"connected_clients", count,
	)
	return sess, nil
}

// Unsubscribe removes a session. When the registry empties, the poll loop
// stops and the high-water-mark is cleared.
func (s *Scheduler) Unsubscribe(sessionID string) {
	s.remove(sessionID)
}

// SessionCount returns the number of live sessions.
func (s *Scheduler) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// remove deletes a session and derives poll lifecycle from occupancy.
func (s *Scheduler) remove(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sessionID)
	count := len(s.sessions)
	if count == 0 {
		s.hwm = time.Time{}
		s.stopPollLocked()
	}
	s.mu.Unlock()

	sess.stopHeartbeat()
	s.metrics.Subscribers.Set(float64(count))
	s.logger.Info(context.Background(), "subscriber disconnected",
		"session_id", sessionID,
		"connected_clients", count,
	)
}

func (s *Scheduler) startPollLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopPoll = cancel
	s.pollDone = make(chan struct{})
	go s.pollLoop(ctx, s.pollDone)
}

func (s *Scheduler) stopPollLocked() {
	if s.stopPoll != nil {
		s.stopPoll()
		s.stopPoll = nil
	}
}

// Close stops the poll loop and drops every session. Used on shutdown.
func (s *Scheduler) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.remove(id)
	}
}

func (s *Scheduler) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce runs one tick of the shared poll algorithm: one upstream query
// at the minimum threshold across sessions, then per-session filtered
// delivery. No failure here may terminate the loop or unrelated sessions.
func (s *Scheduler) pollOnce(ctx context.Context) {
	sessions, minLevel, from := s.snapshot()
	if len(sessions) == 0 {
		// Timer should already be stopped; guard anyway.
		return
	}

	if !s.searcher.Configured() {
		s.metrics.Polls.WithLabelValues("unconfigured").Inc()
		s.broadcastStatus(sessions, StatusEvent{
			Type:    StatusIndexerUnavailable,
			Message: "upstream indexer is not configured",
		})
		return
	}

	to := s.now()
	qctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	start := s.now()
	alerts, err := s.searcher.Search(qctx, from, to, minLevel, s.opts.BatchSize)
	cancel()
	s.metrics.PollDuration.Observe(s.now().Sub(start).Seconds())

	if err != nil {
		// Transient: report, leave the high-water-mark alone, retry on the
		// next tick.
		s.metrics.Polls.WithLabelValues("error").Inc()
		s.logger.Error(ctx, err, "poll failed", "min_level", minLevel)
		s.broadcastStatus(sessions, StatusEvent{
			Type:    StatusPollError,
			Message: truncate(err.Error(), maxStatusMessage),
		})
		return
	}

	s.metrics.Polls.WithLabelValues("ok").Inc()
	if len(alerts) == 0 {
		return
	}

	s.advanceHWM(alerts)

	ts := s.now()
	for _, sess := range sessions {
		batch := filterByLevel(alerts, sess.Threshold)
		if len(batch) == 0 {
			continue
		}
		if err := sess.sink.Send(EventAlerts, AlertsEvent{
			Alerts:    batch,
			Count:     len(batch),
			Timestamp: ts,
		}); err != nil {
			s.metrics.SessionsDropped.WithLabelValues("write_failed").Inc()
			s.logger.Warn(ctx, "alert push failed, dropping session",
				"session_id", sess.ID, "error", err)
			s.remove(sess.ID)
			continue
		}
		s.metrics.AlertsDelivered.Add(float64(len(batch)))
	}
}

// snapshot copies the session set and computes the effective query bounds
// under the lock.
func (s *Scheduler) snapshot() (sessions []*Session, minLevel int, from time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	minLevel = alert.MaxLevel
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
		if sess.Threshold < minLevel {
			minLevel = sess.Threshold
		}
	}
	from = s.hwm
	if from.IsZero() {
		from = s.now().Add(-s.opts.Lookback)
	}
	return sessions, minLevel, from
}

// advanceHWM moves the high-water-mark forward to the newest timestamp in
// the batch. It never moves backwards.
func (s *Scheduler) advanceHWM(alerts []alert.Alert) {
	var newest time.Time
	for _, al := range alerts {
		if al.Timestamp.After(newest) {
			newest = al.Timestamp
		}
	}

	s.mu.Lock()
	if newest.After(s.hwm) {
		s.hwm = newest
	}
	s.mu.Unlock()
}

func (s *Scheduler) broadcastStatus(sessions []*Session, ev StatusEvent) {
	for _, sess := range sessions {
		if err := sess.sink.Send(EventStatus, ev); err != nil {
			s.metrics.SessionsDropped.WithLabelValues("write_failed").Inc()
			s.remove(sess.ID)
		}
	}
}

// heartbeatLoop runs on its own timer per session, decoupled from polling,
// so a hung upstream call never starves liveness signaling.
func (s *Scheduler) heartbeatLoop(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.sink.Send(EventHeartbeat, HeartbeatEvent{
				Timestamp:        s.now(),
				ConnectedClients: s.SessionCount(),
			}); err != nil {
				s.metrics.SessionsDropped.WithLabelValues("heartbeat_failed").Inc()
				s.remove(sess.ID)
				return
			}
		}
	}
}

func filterByLevel(alerts []alert.Alert, threshold int) []alert.Alert {
	out := make([]alert.Alert, 0, len(alerts))
	for _, al := range alerts {
		if al.Rule.Level >= threshold {
			out = append(out, al)
		}
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
