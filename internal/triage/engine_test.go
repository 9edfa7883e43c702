package triage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/tools"
)

const claudeTestModel = "claude-sonnet-4-20250514"

// mockProvider returns preconfigured responses in sequence.
type mockProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	callIdx   int
}

func (m *mockProvider) Send(_ context.Context, _ *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callIdx
	m.callIdx++

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	// fallback: end turn with a valid verdict
	return &LLMResponse{
		Content:    []ContentBlock{{Type: "text", Text: verdictJSON}},
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (m *mockProvider) Model() string { return claudeTestModel }

// mockTool returns preconfigured Execute results.
type mockTool struct {
	name   string
	output json.RawMessage
	err    error
}

func (m *mockTool) Name() string                { return m.name }
func (m *mockTool) Description() string         { return "mock tool" }
func (m *mockTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (m *mockTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return m.output, m.err
}

const verdictJSON = `{
  "summary": "Brute-force SSH attempt from a single source, blocked by the host firewall.",
  "reasoning": "Forty failed logins in two minutes followed by silence, no successful auth events.",
  "confidence": 85,
  "trust_score": 90,
  "safety_status": "suspicious",
  "suggested_follow_ups": ["block the source ip at the perimeter"]
}`

func testContext() *Context {
	return &Context{
		AlertID:         "alert-1",
		RuleID:          "5710",
		RuleLevel:       10,
		RuleDescription: "sshd: Attempt to login using a non-existent user",
		AgentID:         "003",
		AgentName:       "web-01",
		MitreTactics:    []string{"Credential Access"},
		MitreTechniques: []string{"T1110"},
		Payload:         `{"srcip":"203.0.113.9"}`,
	}
}

func TestRun_SingleTurn(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{
		responses: []*LLMResponse{{
			Content:    []ContentBlock{{Type: "text", Text: verdictJSON}},
			StopReason: StopEnd,
			Usage:      Usage{InputTokens: 100, OutputTokens: 50},
		}},
	}
	engine := NewEngine(provider, tools.NewRegistry(), log.Nop(), EngineHooks{})

	a, err := engine.Run(context.Background(), testContext())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(a.Summary, "Brute-force") {
		t.Errorf("Summary = %q, want brute-force summary", a.Summary)
	}
	if a.Confidence != 85 {
		t.Errorf("Confidence = %d, want 85", a.Confidence)
	}
	if a.TrustScore != 90 {
		t.Errorf("TrustScore = %d, want 90", a.TrustScore)
	}
	if a.SafetyStatus != "suspicious" {
		t.Errorf("SafetyStatus = %q, want %q", a.SafetyStatus, "suspicious")
	}
	if len(a.SuggestedFollowUps) != 1 {
		t.Errorf("SuggestedFollowUps = %v, want one entry", a.SuggestedFollowUps)
	}
}

func TestRun_ToolUseLoop(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name:   "test_tool",
		output: json.RawMessage(`{"value":"42"}`),
	})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-1", Name: "test_tool", Input: json.RawMessage(`{"q":"test"}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 100, OutputTokens: 50},
			},
			{
				Content:    []ContentBlock{{Type: "text", Text: verdictJSON}},
				StopReason: StopEnd,
				Usage:      Usage{InputTokens: 200, OutputTokens: 100},
			},
		},
	}
	engine := NewEngine(provider, registry, log.Nop(), EngineHooks{})

	a, err := engine.Run(context.Background(), testContext())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.Summary == "" {
		t.Error("expected non-empty summary after tool round")
	}
}

func TestRun_UnknownTool(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-1", Name: "nonexistent_tool", Input: json.RawMessage(`{}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 50, OutputTokens: 30},
			},
			{
				Content:    []ContentBlock{{Type: "text", Text: verdictJSON}},
				StopReason: StopEnd,
				Usage:      Usage{InputTokens: 100, OutputTokens: 60},
			},
		},
	}
	engine := NewEngine(provider, tools.NewRegistry(), log.Nop(), EngineHooks{})

	// The unknown tool becomes an is_error tool_result and the run recovers.
	if _, err := engine.Run(context.Background(), testContext()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_ToolExecutionError(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name: "failing_tool",
		err:  errors.New("connection refused"),
	})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-1", Name: "failing_tool", Input: json.RawMessage(`{}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 50, OutputTokens: 30},
			},
			{
				Content:    []ContentBlock{{Type: "text", Text: verdictJSON}},
				StopReason: StopEnd,
				Usage:      Usage{InputTokens: 100, OutputTokens: 60},
			},
		},
	}
	engine := NewEngine(provider, registry, log.Nop(), EngineHooks{})

	if _, err := engine.Run(context.Background(), testContext()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_LLMError(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{
		errs: []error{errors.New("api key expired")},
	}
	engine := NewEngine(provider, tools.NewRegistry(), log.Nop(), EngineHooks{})

	_, err := engine.Run(context.Background(), testContext())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "api key expired") {
		t.Errorf("err = %v, want it to contain the provider error", err)
	}
}

func TestRun_MaxToolRoundsLimit(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name:   "loop_tool",
		output: json.RawMessage(`"ok"`),
	})

	// Build MaxToolRounds responses, each triggering one tool call
	responses := make([]*LLMResponse, MaxToolRounds)
	for i := range MaxToolRounds {
		responses[i] = &LLMResponse{
			Content: []ContentBlock{
				{Type: "tool_use", ID: "call-" + strings.Repeat("x", i+1), Name: "loop_tool", Input: json.RawMessage(`{}`)},
			},
			StopReason: StopToolUse,
			Usage:      Usage{InputTokens: 10, OutputTokens: 5},
		}
	}

	provider := &mockProvider{responses: responses}
	engine := NewEngine(provider, registry, log.Nop(), EngineHooks{})

	_, err := engine.Run(context.Background(), testContext())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "budget exhausted") {
		t.Errorf("err = %v, want it to mention a budget", err)
	}
}

func TestRun_MaxTokensLimit(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name:   "token_tool",
		output: json.RawMessage(`"ok"`),
	})

	// One call burns the whole token budget before the next round starts.
	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-1", Name: "token_tool", Input: json.RawMessage(`{}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: MaxTokens / 2, OutputTokens: MaxTokens / 2},
			},
		},
	}
	engine := NewEngine(provider, registry, log.Nop(), EngineHooks{})

	_, err := engine.Run(context.Background(), testContext())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "budget exhausted") {
		t.Errorf("err = %v, want it to mention a budget", err)
	}
}

func TestBuildInitialPrompt(t *testing.T) {
	t.Parallel()

	prompt := buildInitialPrompt(testContext())
	for _, want := range []string{"alert-1", "5710", "level 10", "web-01", "Credential Access", "T1110", "203.0.113.9"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("initial prompt missing %q", want)
		}
	}
}

func TestParseAnalysis(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		wantErr bool
		check   func(t *testing.T, a *Analysis)
	}{
		{
			name: "bare json",
			text: verdictJSON,
			check: func(t *testing.T, a *Analysis) {
				if a.SafetyStatus != "suspicious" {
					t.Errorf("SafetyStatus = %q, want %q", a.SafetyStatus, "suspicious")
				}
			},
		},
		{
			name: "fenced json",
			text: "```json\n" + verdictJSON + "\n```",
			check: func(t *testing.T, a *Analysis) {
				if a.Confidence != 85 {
					t.Errorf("Confidence = %d, want 85", a.Confidence)
				}
			},
		},
		{
			name: "prose around json",
			text: "Here is my verdict:\n" + verdictJSON + "\nLet me know if you need more.",
			check: func(t *testing.T, a *Analysis) {
				if a.TrustScore != 90 {
					t.Errorf("TrustScore = %d, want 90", a.TrustScore)
				}
			},
		},
		{
			name: "missing safety status defaults",
			text: `{"summary":"s","reasoning":"r","confidence":50,"trust_score":50}`,
			check: func(t *testing.T, a *Analysis) {
				if a.SafetyStatus != "undetermined" {
					t.Errorf("SafetyStatus = %q, want %q", a.SafetyStatus, "undetermined")
				}
			},
		},
		{
			name:    "empty",
			text:    "",
			wantErr: true,
		},
		{
			name:    "not json",
			text:    "I could not reach a conclusion.",
			wantErr: true,
		},
		{
			name:    "missing summary",
			text:    `{"reasoning":"r","confidence":50}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := parseAnalysis(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAnalysis: %v", err)
			}
			tt.check(t, a)
		})
	}
}

func TestRun_HooksCalled(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name:   "hook_tool",
		output: json.RawMessage(`{"result":"ok"}`),
	})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "c-1", Name: "hook_tool", Input: json.RawMessage(`{"q":"x"}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 100, OutputTokens: 50},
			},
			{
				Content:    []ContentBlock{{Type: "text", Text: verdictJSON}},
				StopReason: StopEnd,
				Usage:      Usage{InputTokens: 200, OutputTokens: 80},
			},
		},
	}

	var (
		mu             sync.Mutex
		llmCalls       int
		totalTokensIn  int
		totalTokensOut int
		toolCalls      int
		lastToolName   string
		lastToolErr    bool
		completeCalls  int
		completeStatus Status
	)

	hooks := EngineHooks{
		OnLLMCall: func(in, out int, _ float64) {
			mu.Lock()
			defer mu.Unlock()
			llmCalls++
			totalTokensIn += in
			totalTokensOut += out
		},
		OnToolCall: func(name string, _ float64, _, _ int, isErr bool) {
			mu.Lock()
			defer mu.Unlock()
			toolCalls++
			lastToolName = name
			lastToolErr = isErr
		},
		OnComplete: func(e *CompleteEvent) {
			mu.Lock()
			defer mu.Unlock()
			completeCalls++
			completeStatus = e.Status
		},
	}

	engine := NewEngine(provider, registry, log.Nop(), hooks)
	if _, err := engine.Run(context.Background(), testContext()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if llmCalls != 2 {
		t.Errorf("llm hook calls = %d, want 2", llmCalls)
	}
	if totalTokensIn != 300 {
		t.Errorf("total tokens in = %d, want 300", totalTokensIn)
	}
	if totalTokensOut != 130 {
		t.Errorf("total tokens out = %d, want 130", totalTokensOut)
	}
	if toolCalls != 1 {
		t.Errorf("tool hook calls = %d, want 1", toolCalls)
	}
	if lastToolName != "hook_tool" {
		t.Errorf("last tool name = %q, want %q", lastToolName, "hook_tool")
	}
	if lastToolErr {
		t.Error("expected tool error = false")
	}
	if completeCalls != 1 {
		t.Errorf("complete hook calls = %d, want 1", completeCalls)
	}
	if completeStatus != StatusCompleted {
		t.Errorf("complete status = %q, want %q", completeStatus, StatusCompleted)
	}
}

func TestRun_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name:   "span_tool",
		output: json.RawMessage(`{"ok":true}`),
	})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "c-1", Name: "span_tool", Input: json.RawMessage(`{"q":"x"}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 100, OutputTokens: 50},
			},
			{
				Content:    []ContentBlock{{Type: "text", Text: verdictJSON}},
				StopReason: StopEnd,
				Usage:      Usage{InputTokens: 200, OutputTokens: 80},
			},
		},
	}

	engine := NewEngine(provider, registry, log.Nop(), EngineHooks{})
	if _, err := engine.Run(context.Background(), testContext()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	spans := exporter.GetSpans()

	counts := make(map[string]int)
	for _, s := range spans {
		counts[s.Name]++
	}
	if counts["llm.call"] != 2 {
		t.Errorf("llm.call spans = %d, want 2", counts["llm.call"])
	}
	if counts["tool.execute"] != 1 {
		t.Errorf("tool.execute spans = %d, want 1", counts["tool.execute"])
	}

	for _, s := range spans {
		if s.Name != "llm.call" {
			continue
		}
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if v := attrs["gen_ai.operation.name"]; v != "llm.call" {
			t.Errorf("llm.call span gen_ai.operation.name = %v, want llm.call", v)
		}
		if v := attrs["gen_ai.request.model"]; v != claudeTestModel {
			t.Errorf("llm.call span gen_ai.request.model = %v, want %q", v, claudeTestModel)
		}
		if v := attrs["argus.alert.id"]; v != "alert-1" {
			t.Errorf("llm.call span argus.alert.id = %v, want alert-1", v)
		}
	}

	for _, s := range spans {
		if s.Name != "tool.execute" {
			continue
		}
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if v := attrs["gen_ai.tool.name"]; v != "span_tool" {
			t.Errorf("tool span gen_ai.tool.name = %v, want span_tool", v)
		}
		if v := attrs["argus.tool.is_error"]; v != false {
			t.Errorf("tool span argus.tool.is_error = %v, want false", v)
		}
	}
}
