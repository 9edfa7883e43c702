package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/argus/internal/triage"
)

func completedItem() *triage.Item {
	return &triage.Item{
		ID:              "01JN123",
		AlertID:         "1756382400.123456",
		RuleID:          "5710",
		RuleDescription: "sshd: Attempt to login using a non-existent user",
		RuleLevel:       12,
		AgentID:         "001",
		AgentName:       "web-01",
		Status:          triage.StatusCompleted,
		Result: &triage.Analysis{
			Summary:      "Brute-force SSH attempt from a single source IP.",
			Reasoning:    "Repeated failures against non-existent users.",
			Confidence:   85,
			TrustScore:   90,
			SafetyStatus: "suspicious",
		},
		QueuedAt:    time.Date(2026, 8, 28, 14, 20, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 8, 28, 14, 23, 0, 0, time.UTC),
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL)
	if err := n.Send(context.Background(), completedItem()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, analysis, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Triage Complete") {
		t.Errorf("header text = %q, want to contain Triage Complete", headerText)
	}
	if !strings.Contains(headerText, "sshd: Attempt to login") {
		t.Errorf("header text = %q, want to contain the rule description", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Error("header should contain red circle for level 12")
	}

	fields := blocks[2].(map[string]any)["fields"].([]any)
	if len(fields) != 6 {
		t.Fatalf("fields count = %d, want 6 (base four plus verdict and trust)", len(fields))
	}
	joined := ""
	for _, f := range fields {
		joined += f.(map[string]any)["text"].(string) + "\n"
	}
	for _, want := range []string{"*Status:* completed", "*Level:* 12", "*Agent:* web-01", "*Rule:* 5710", "*Verdict:* suspicious", "*Trust:* 90/100"} {
		if !strings.Contains(joined, want) {
			t.Errorf("fields missing %q in:\n%s", want, joined)
		}
	}

	ctxBlock := blocks[6].(map[string]any)
	ctxText := ctxBlock["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "argus • item 01JN123 • alert 1756382400.123456") {
		t.Errorf("context text = %q, want item and alert IDs", ctxText)
	}
	if !strings.Contains(ctxText, "2026-08-28 14:23 UTC") {
		t.Errorf("context text = %q, want completion timestamp", ctxText)
	}
}

func TestSend_FollowUpsBlock(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	it := completedItem()
	it.Result.SuggestedFollowUps = []string{"Block 203.0.113.9 at the firewall", "Review sshd auth logs on web-01"}

	n := New(srv.URL)
	if err := n.Send(context.Background(), it); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := got["blocks"].([]any)
	if len(blocks) != 8 {
		t.Fatalf("blocks count = %d, want 8 with follow-ups", len(blocks))
	}
	text := blocks[5].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(text, "*Suggested follow-ups*") {
		t.Errorf("follow-ups text = %q, want heading", text)
	}
	if !strings.Contains(text, "• Block 203.0.113.9 at the firewall") {
		t.Errorf("follow-ups text = %q, want bulleted entry", text)
	}
}

func TestSend_FailedItemShowsError(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	it := completedItem()
	it.Status = triage.StatusFailed
	it.Result = nil
	it.Error = "pipeline: model overloaded"

	n := New(srv.URL)
	if err := n.Send(context.Background(), it); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := got["blocks"].([]any)
	headerText := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Triage Failed") {
		t.Errorf("header text = %q, want Triage Failed", headerText)
	}
	analysisText := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(analysisText, "pipeline: model overloaded") {
		t.Errorf("analysis text = %q, want the pipeline error", analysisText)
	}
	fields := blocks[2].(map[string]any)["fields"].([]any)
	if len(fields) != 4 {
		t.Errorf("fields count = %d, want 4 without a result", len(fields))
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("")
	if err := n.Send(context.Background(), &triage.Item{}); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_TruncatesLongSummary(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	it := completedItem()
	it.Result.Summary = strings.Repeat("x", 4000)

	n := New(srv.URL)
	if err := n.Send(context.Background(), it); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := got["blocks"].([]any)
	text := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)

	// Text includes the "*Analysis*\n\n" prefix; the summary portion after it
	// should be capped at maxSummaryLen chars.
	if len(text) > maxSummaryLen+len("*Analysis*\n\n") {
		t.Errorf("analysis text length = %d, expected <= %d", len(text), maxSummaryLen+len("*Analysis*\n\n"))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated summary to end with ...")
	}
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL)
	err := n.Send(context.Background(), completedItem())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestLevelEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status triage.Status
		level  int
		want   string
	}{
		{"failed", triage.StatusFailed, 3, "\U0001f534"},
		{"critical", triage.StatusCompleted, 12, "\U0001f534"},
		{"high", triage.StatusCompleted, 15, "\U0001f534"},
		{"medium", triage.StatusCompleted, 7, "\U0001f7e1"},
		{"low", triage.StatusCompleted, 6, "\U0001f7e2"},
		{"zero", triage.StatusCompleted, 0, "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := levelEmoji(&triage.Item{Status: tt.status, RuleLevel: tt.level})
			if got != tt.want {
				t.Errorf("levelEmoji(%s, %d) = %q, want %q", tt.status, tt.level, got, tt.want)
			}
		})
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("5710", "sshd: brute force", 12, "Repeated failures from one IP.", "suspicious")
	f.Add("", "", 0, "", "")
	f.Add("100002", "<@U123> mention", 7, "*bold* _italic_ ~strike~", "safe")
	f.Add("rule\x00\x01", "desc\nline", -5, "analysis\ttab", "sta\x00tus")
	f.Add(strings.Repeat("A", 5000), strings.Repeat("B", 5000), 99, strings.Repeat("x", 10000), "undetermined")
	f.Add("1002", "```code``` and <http://example.com|link>", 3, "ok", "malicious")

	f.Fuzz(func(t *testing.T, ruleID, ruleDesc string, level int, summary, safety string) {
		it := &triage.Item{
			ID:              "fuzz-id",
			AlertID:         "fuzz-alert",
			RuleID:          ruleID,
			RuleDescription: ruleDesc,
			RuleLevel:       level,
			AgentName:       "agent-1",
			Status:          triage.StatusCompleted,
			Result: &triage.Analysis{
				Summary:      summary,
				TrustScore:   50,
				SafetyStatus: safety,
			},
			QueuedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			CompletedAt: time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC),
		}

		// Must not panic
		msg := buildMessage(it)

		// Must produce valid JSON
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		// Must round-trip
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}
