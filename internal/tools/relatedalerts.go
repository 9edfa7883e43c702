package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/argus/internal/alert"
)

const (
	relatedWindow     = 24 * time.Hour
	relatedMaxResults = 20
)

// AlertSearcher is the slice of the indexer client this tool needs.
type AlertSearcher interface {
	Search(ctx context.Context, from, to time.Time, minLevel, max int) ([]alert.Alert, error)
}

// RelatedAlerts lets the analysis pipeline pull recent alerts from the
// upstream store to establish context around the one under review.
type RelatedAlerts struct {
	searcher AlertSearcher
	now      func() time.Time
}

// NewRelatedAlerts creates the related-alerts search tool.
func NewRelatedAlerts(searcher AlertSearcher) *RelatedAlerts {
	return &RelatedAlerts{
		searcher: searcher,
		now:      time.Now,
	}
}

func (t *RelatedAlerts) Name() string { return "search_related_alerts" }

func (t *RelatedAlerts) Description() string {
	return `Search recent security alerts from the upstream store. Use this to check whether
the alert under analysis is part of a larger pattern: other alerts from the same agent,
repeated rule firings, or a burst of high-severity activity in the same window.
Returns up to 20 alerts from the last 24 hours, newest first.`
}

func (t *RelatedAlerts) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "min_level": {
                "type": "integer",
                "description": "Minimum rule severity level (1-15). Defaults to 1."
            },
            "agent_id": {
                "type": "string",
                "description": "Restrict results to alerts from this agent id."
            }
        }
    }`)
}

// relatedAlert is the trimmed projection returned to the model; full raw
// documents would burn tokens for no analytical gain.
type relatedAlert struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	RuleID      string    `json:"rule_id"`
	Level       int       `json:"level"`
	Description string    `json:"description"`
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name"`
}

func (t *RelatedAlerts) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		MinLevel int    `json:"min_level"`
		AgentID  string `json:"agent_id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	minLevel := alert.ClampLevel(input.MinLevel)

	to := t.now()
	alerts, err := t.searcher.Search(ctx, to.Add(-relatedWindow), to, minLevel, relatedMaxResults)
	if err != nil {
		return nil, fmt.Errorf("search alerts: %w", err)
	}

	out := make([]relatedAlert, 0, len(alerts))
	for _, al := range alerts {
		if input.AgentID != "" && al.Agent.ID != input.AgentID {
			continue
		}
		out = append(out, relatedAlert{
			ID:          al.ID,
			Timestamp:   al.Timestamp,
			RuleID:      al.Rule.ID,
			Level:       al.Rule.Level,
			Description: al.Rule.Description,
			AgentID:     al.Agent.ID,
			AgentName:   al.Agent.Name,
		})
	}

	result, err := json.Marshal(map[string]any{
		"alerts": out,
		"count":  len(out),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return result, nil
}
