package triage

import (
	"encoding/json"
	"time"
)

// Status tracks where a queue item is in its lifecycle.
type Status string

const (
	// StatusQueued means admitted, waiting for an analyst to start analysis.
	StatusQueued Status = "queued"

	// StatusProcessing means the analysis pipeline is running.
	StatusProcessing Status = "processing"

	// StatusCompleted means the pipeline finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed means the pipeline returned an error.
	StatusFailed Status = "failed"

	// StatusDismissed means the item was dismissed manually or evicted
	// under capacity pressure.
	StatusDismissed Status = "dismissed"
)

// Terminal reports whether the status is final. Terminal items no longer
// count against queue capacity and are immutable except for history
// clearing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDismissed:
		return true
	}
	return false
}

// Analysis is the structured result of one pipeline run.
type Analysis struct {
	Summary            string   `json:"summary"`
	Reasoning          string   `json:"reasoning"`
	Confidence         int      `json:"confidence"`
	TrustScore         int      `json:"trust_score"`
	SafetyStatus       string   `json:"safety_status"`
	SuggestedFollowUps []string `json:"suggested_follow_ups,omitempty"`
}

// Item is one alert handed off for analysis. Rule and agent fields are
// snapshots taken at enqueue time; the alert itself is never re-fetched.
type Item struct {
	ID              string          `json:"id"`
	AlertID         string          `json:"alert_id"`
	RuleID          string          `json:"rule_id"`
	RuleDescription string          `json:"rule_description"`
	RuleLevel       int             `json:"rule_level"`
	AgentID         string          `json:"agent_id"`
	AgentName       string          `json:"agent_name"`
	AlertTimestamp  time.Time       `json:"alert_timestamp"`
	Raw             json.RawMessage `json:"raw,omitempty"`
	Status          Status          `json:"status"`
	Result          *Analysis       `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	QueuedAt        time.Time       `json:"queued_at"`
	ProcessedAt     time.Time       `json:"processed_at,omitempty"`
	CompletedAt     time.Time       `json:"completed_at,omitempty"`
}

// Context is the size-bounded input handed to the analysis pipeline.
type Context struct {
	AlertID         string
	RuleID          string
	RuleLevel       int
	RuleDescription string
	AgentID         string
	AgentName       string
	MitreTactics    []string
	MitreTechniques []string
	// Payload is a serialization of the raw alert document, capped to
	// bound downstream token usage.
	Payload string
}
