// Package alert defines the security alert domain model shared by the
// stream and triage subsystems. Alerts are immutable snapshots of what the
// upstream indexer returned; this service never persists them on its own.
package alert

import (
	"encoding/json"
	"time"
)

// Level bounds for rule severity. These match the upstream ruleset, where 1
// is informational and 15 is the most severe.
const (
	MinLevel = 1
	MaxLevel = 15
)

// Mitre carries the ATT&CK classification attached to a rule, when present.
// The upstream schema models these as parallel lists.
type Mitre struct {
	IDs        []string `json:"id,omitempty"`
	Tactics    []string `json:"tactic,omitempty"`
	Techniques []string `json:"technique,omitempty"`
}

// Rule is the detection rule that fired for an alert.
type Rule struct {
	ID          string   `json:"id"`
	Level       int      `json:"level"`
	Description string   `json:"description"`
	Groups      []string `json:"groups,omitempty"`
	Mitre       *Mitre   `json:"mitre,omitempty"`
}

// Agent identifies the monitored host that produced the event.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	IP   string `json:"ip,omitempty"`
}

// Decoder names the parser that extracted the event fields.
type Decoder struct {
	Name string `json:"name,omitempty"`
}

// Alert is a single security alert as returned by the upstream search
// backend. Raw holds the full source document so triage can hand the
// complete context to the analysis pipeline.
type Alert struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Rule      Rule            `json:"rule"`
	Agent     Agent           `json:"agent"`
	Decoder   *Decoder        `json:"decoder,omitempty"`
	Location  string          `json:"location,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// ClampLevel bounds a requested severity level to the valid rule range.
func ClampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}
