package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/alert"
)

// maxPayloadBytes caps the raw alert serialization handed to the pipeline,
// bounding downstream token usage.
const maxPayloadBytes = 4096

// Notifier receives terminal items, e.g. for Slack delivery. Send errors
// are logged, never propagated.
type Notifier interface {
	Send(ctx context.Context, item *Item) error
}

// Archiver records terminal items in durable storage for audit. Optional;
// the queue is fully functional without one.
type Archiver interface {
	Record(ctx context.Context, item *Item) error
	Purge(ctx context.Context) error
}

// Service is the business boundary for the triage queue: admission,
// lifecycle transitions, and async pipeline dispatch.
type Service struct {
	queue    *Queue
	engine   *Engine
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
	archiver Archiver
}

// NewService creates the triage service. notifier and archiver may be nil.
func NewService(queue *Queue, engine *Engine, logger log.Logger, metrics *Metrics, notifier Notifier, archiver Archiver) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{
		queue:    queue,
		engine:   engine,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		archiver: archiver,
	}
}

// Enqueue admits an alert for analysis. Duplicate and capacity rejections
// surface as ErrDuplicate / ErrQueueFull with no mutation.
func (s *Service) Enqueue(ctx context.Context, al *alert.Alert) (*Item, error) {
	it := Item{
		AlertID:         al.ID,
		RuleID:          al.Rule.ID,
		RuleDescription: al.Rule.Description,
		RuleLevel:       al.Rule.Level,
		AgentID:         al.Agent.ID,
		AgentName:       al.Agent.Name,
		AlertTimestamp:  al.Timestamp,
		Raw:             al.Raw,
	}

	admitted, evicted, err := s.queue.Enqueue(it)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicate):
			s.metrics.Enqueues.WithLabelValues("duplicate").Inc()
		case errors.Is(err, ErrQueueFull):
			s.metrics.Enqueues.WithLabelValues("full").Inc()
		}
		return nil, err
	}

	if evicted != nil {
		s.metrics.Enqueues.WithLabelValues("evicted_oldest").Inc()
		s.logger.Info(ctx, "evicted oldest queued item",
			"evicted_id", evicted.ID,
			"evicted_alert_id", evicted.AlertID,
		)
		s.recordTerminal(ctx, evicted)
	}

	s.metrics.Enqueues.WithLabelValues("admitted").Inc()
	s.metrics.QueueDepth.Set(float64(s.queue.ActiveCount()))
	s.logger.Info(ctx, "alert queued for analysis",
		"item_id", admitted.ID,
		"alert_id", admitted.AlertID,
		"rule_level", admitted.RuleLevel,
	)
	return admitted, nil
}

// Process starts analysis for a queued item. The transition to processing
// happens synchronously; the pipeline itself runs on a detached goroutine
// so the caller is not held for the model round-trips.
func (s *Service) Process(ctx context.Context, id string) (*Item, error) {
	it, err := s.queue.MarkProcessing(id)
	if err != nil {
		return nil, err
	}

	go s.runPipeline(context.WithoutCancel(ctx), it)

	return it, nil
}

// Dismiss drops a queued item without analysis.
func (s *Service) Dismiss(ctx context.Context, id string) (*Item, error) {
	it, err := s.queue.Dismiss(id)
	if err != nil {
		return nil, err
	}
	s.metrics.QueueDepth.Set(float64(s.queue.ActiveCount()))
	s.recordTerminal(ctx, it)
	return it, nil
}

// ClearHistory removes all terminal items and purges the archive.
func (s *Service) ClearHistory(ctx context.Context) int {
	removed := s.queue.ClearHistory()
	if s.archiver != nil {
		if err := s.archiver.Purge(ctx); err != nil {
			s.logger.Error(ctx, err, "archive purge failed")
		}
	}
	return len(removed)
}

// Get retrieves one item by id.
func (s *Service) Get(_ context.Context, id string) (*Item, bool) {
	return s.queue.Get(id)
}

// List returns all items in presentation order.
func (s *Service) List(_ context.Context) []*Item {
	return s.queue.List()
}

// ActiveCount returns the number of items counting against capacity.
func (s *Service) ActiveCount(_ context.Context) int {
	return s.queue.ActiveCount()
}

func (s *Service) runPipeline(ctx context.Context, it *Item) {
	L := s.logger.With("item_id", it.ID, "alert_id", it.AlertID)

	analysis, err := s.engine.Run(ctx, buildContext(it))

	var final *Item
	var ferr error
	if err != nil {
		L.Error(ctx, err, "analysis pipeline failed")
		final, ferr = s.queue.MarkFailed(it.ID, err.Error())
	} else {
		final, ferr = s.queue.MarkCompleted(it.ID, analysis)
	}
	if ferr != nil {
		L.Error(ctx, ferr, "failed to record pipeline outcome")
		return
	}

	s.metrics.QueueDepth.Set(float64(s.queue.ActiveCount()))
	s.recordTerminal(ctx, final)

	if s.notifier != nil {
		if nerr := s.notifier.Send(ctx, final); nerr != nil {
			L.Error(ctx, nerr, "notification failed")
		}
	}
}

func (s *Service) recordTerminal(ctx context.Context, it *Item) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.Record(ctx, it); err != nil {
		s.logger.Error(ctx, err, "archive record failed", "item_id", it.ID)
	}
}

// buildContext assembles the bounded pipeline input from an item snapshot.
func buildContext(it *Item) *Context {
	tc := &Context{
		AlertID:         it.AlertID,
		RuleID:          it.RuleID,
		RuleLevel:       it.RuleLevel,
		RuleDescription: it.RuleDescription,
		AgentID:         it.AgentID,
		AgentName:       it.AgentName,
		Payload:         capPayload(it.Raw, maxPayloadBytes),
	}
	if len(it.Raw) > 0 {
		var doc struct {
			Rule struct {
				Mitre *struct {
					Tactic    []string `json:"tactic"`
					Technique []string `json:"technique"`
				} `json:"mitre"`
			} `json:"rule"`
		}
		if err := json.Unmarshal(it.Raw, &doc); err == nil && doc.Rule.Mitre != nil {
			tc.MitreTactics = doc.Rule.Mitre.Tactic
			tc.MitreTechniques = doc.Rule.Mitre.Technique
		}
	}
	return tc
}

func capPayload(raw []byte, limit int) string {
	if len(raw) == 0 {
		return ""
	}
	if len(raw) <= limit {
		return string(raw)
	}
	return fmt.Sprintf("%s... [truncated %d bytes]", raw[:limit], len(raw)-limit)
}
