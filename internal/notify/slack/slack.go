// Package slack sends triage outcome notifications to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/argus/internal/triage"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends triage outcomes to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts a terminal queue item to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, item *triage.Item) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(item)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(it *triage.Item) map[string]any {
	blocks := []map[string]any{
		headerBlock(it),
		{"type": "divider"},
		fieldsBlock(it),
		{"type": "divider"},
		analysisBlock(it),
	}
	if it.Result != nil && len(it.Result.SuggestedFollowUps) > 0 {
		blocks = append(blocks, followUpsBlock(it.Result.SuggestedFollowUps))
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(it))

	return map[string]any{"blocks": blocks}
}

func headerBlock(it *triage.Item) map[string]any {
	title := "Triage Complete"
	if it.Status == triage.StatusFailed {
		title = "Triage Failed"
	}
	text := fmt.Sprintf("%s %s: %s", levelEmoji(it), title, it.RuleDescription)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(it *triage.Item) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", it.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Level:* %d", it.RuleLevel),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Agent:* %s", it.AgentName),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rule:* %s", it.RuleID),
		},
	}
	if it.Result != nil {
		fields = append(fields,
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Verdict:* %s", it.Result.SafetyStatus),
			},
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Trust:* %d/100", it.Result.TrustScore),
			},
		)
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func analysisBlock(it *triage.Item) map[string]any {
	var text string
	switch {
	case it.Result != nil:
		text = truncate(it.Result.Summary, maxSummaryLen)
	case it.Error != "":
		text = truncate(it.Error, maxSummaryLen)
	}
	if text == "" {
		text = "_No analysis available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Analysis*\n\n%s", text),
		},
	}
}

func followUpsBlock(followUps []string) map[string]any {
	var b strings.Builder
	b.WriteString("*Suggested follow-ups*\n")
	for _, f := range followUps {
		fmt.Fprintf(&b, "• %s\n", f)
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": b.String(),
		},
	}
}

func contextBlock(it *triage.Item) map[string]any {
	ts := it.CompletedAt
	if ts.IsZero() {
		ts = it.QueuedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("argus • item %s • alert %s • %s", it.ID, it.AlertID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func levelEmoji(it *triage.Item) string {
	if it.Status == triage.StatusFailed {
		return "\U0001f534" // red circle
	}
	switch {
	case it.RuleLevel >= 12:
		return "\U0001f534" // red circle
	case it.RuleLevel >= 7:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
