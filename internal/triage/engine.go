package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/tools"
)

var tracer = otel.Tracer("github.com/linnemanlabs/argus/internal/triage")

const (
	MaxToolRounds  = 10
	MaxTokens      = 50000
	ResponseTokens = 4096
)

// EngineHooks receives engine lifecycle events, typically wired to metrics.
// Zero-value hooks are no-ops.
type EngineHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnToolCall func(name string, duration float64, inputBytes, outputBytes int, isError bool)
	OnComplete func(e *CompleteEvent)
}

// CompleteEvent summarizes one finished pipeline run.
type CompleteEvent struct {
	Status    Status
	Model     string
	Duration  float64
	TokensIn  int
	TokensOut int
	ToolCalls int
}

// Engine runs the analysis pipeline for one queue item: it drives the LLM
// conversation, dispatches tool calls, and parses the final structured
// verdict. It holds no queue state.
type Engine struct {
	provider Provider
	registry *tools.Registry
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates a new analysis engine with the given dependencies.
// registry may be nil when no investigation tools are configured.
func NewEngine(provider Provider, registry *tools.Registry, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		provider: provider,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
	}
}

// Run executes the pipeline for the given alert context and returns the
// structured analysis. Any LLM failure or an unparseable final answer is
// returned as an error; the caller records the item as failed.
func (e *Engine) Run(ctx context.Context, tc *Context) (*Analysis, error) {
	start := time.Now()

	L := e.logger.With(
		"alert_id", tc.AlertID,
		"rule_id", tc.RuleID,
		"rule_level", tc.RuleLevel,
	)

	messages := []Message{
		{Role: "user", Content: []ContentBlock{
			{Type: "text", Text: buildInitialPrompt(tc)},
		}},
	}

	var (
		tokensIn  int
		tokensOut int
		toolCalls int
		finalText string
		truncated bool
	)

	var toolDefs []tools.ToolDef
	if e.registry != nil {
		toolDefs = e.registry.ToToolDefs()
	}

	for {
		if toolCalls >= MaxToolRounds || tokensIn+tokensOut >= MaxTokens {
			L.Warn(ctx, "analysis budget exhausted",
				"tool_calls", toolCalls,
				"tokens", tokensIn+tokensOut,
			)
			truncated = true
			break
		}

		llmCtx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
			attribute.String("gen_ai.operation.name", "llm.call"),
			attribute.String("gen_ai.request.model", e.provider.Model()),
			attribute.String("argus.alert.id", tc.AlertID),
			attribute.Int("argus.chat.seq", len(messages)-1),
		))
		llmStart := time.Now()
		resp, err := e.provider.Send(llmCtx, &LLMRequest{
			MaxTokens: ResponseTokens,
			System:    systemPrompt,
			Messages:  messages,
			Tools:     toolDefs,
		})
		llmDur := time.Since(llmStart).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "llm call failed")
			span.End()
			e.complete(StatusFailed, start, tokensIn, tokensOut, toolCalls)
			return nil, fmt.Errorf("llm call: %w", err)
		}
		span.SetAttributes(
			attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
			attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
			attribute.String("gen_ai.response.finish_reasons", string(resp.StopReason)),
		)
		span.End()

		tokensIn += resp.Usage.InputTokens
		tokensOut += resp.Usage.OutputTokens
		if e.hooks.OnLLMCall != nil {
			e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, llmDur)
		}

		L.Info(ctx, "llm response",
			"stop_reason", resp.StopReason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
		)

		messages = append(messages, Message{
			Role:    "assistant",
			Content: resp.Content,
		})

		if resp.StopReason != StopToolUse {
			for _, block := range resp.Content {
				if block.Type == "text" {
					finalText = block.Text
				}
			}
			break
		}

		var toolResults []ContentBlock
		for _, block := range resp.Content {
			if block.Type != "tool_use" {
				continue
			}
			toolCalls++
			toolResults = append(toolResults, e.runTool(ctx, L, block))
		}

		messages = append(messages, Message{
			Role:    "user",
			Content: toolResults,
		})
	}

	if truncated {
		e.complete(StatusFailed, start, tokensIn, tokensOut, toolCalls)
		return nil, fmt.Errorf("analysis terminated: budget exhausted after %d tool calls, %d tokens", toolCalls, tokensIn+tokensOut)
	}

	analysis, err := parseAnalysis(finalText)
	if err != nil {
		e.complete(StatusFailed, start, tokensIn, tokensOut, toolCalls)
		return nil, fmt.Errorf("parse analysis: %w", err)
	}

	e.complete(StatusCompleted, start, tokensIn, tokensOut, toolCalls)

	L.Info(ctx, "analysis complete",
		"duration", time.Since(start).Seconds(),
		"tokens", tokensIn+tokensOut,
		"tool_calls", toolCalls,
		"trust_score", analysis.TrustScore,
	)
	return analysis, nil
}

func (e *Engine) runTool(ctx context.Context, L log.Logger, block ContentBlock) ContentBlock {
	result := ContentBlock{
		Type:      "tool_result",
		ToolUseID: block.ID,
	}

	var tool tools.Tool
	if e.registry != nil {
		tool, _ = e.registry.Get(block.Name)
	}
	if tool == nil {
		result.Content = fmt.Sprintf("unknown tool: %s", block.Name)
		result.IsError = true
		return result
	}

	toolCtx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", block.Name),
	))
	toolStart := time.Now()
	output, err := tool.Execute(toolCtx, block.Input)
	dur := time.Since(toolStart).Seconds()
	span.SetAttributes(attribute.Bool("argus.tool.is_error", err != nil))
	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(block.Name, dur, len(block.Input), len(output), err != nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool execution failed")
		span.End()
		L.Error(ctx, err, "tool execution failed", "tool", block.Name)
		result.Content = fmt.Sprintf("tool error: %v", err)
		result.IsError = true
		return result
	}
	span.End()

	result.Content = string(output)
	return result
}

func (e *Engine) complete(status Status, start time.Time, tokensIn, tokensOut, toolCalls int) {
	if e.hooks.OnComplete == nil {
		return
	}
	e.hooks.OnComplete(&CompleteEvent{
		Status:    status,
		Model:     e.provider.Model(),
		Duration:  time.Since(start).Seconds(),
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		ToolCalls: toolCalls,
	})
}

const systemPrompt = `You are Argus, a security operations triage AI. You analyze security alerts and assess whether they represent real threats.

You may have access to tools that let you search for related alerts. Use them to establish context, then respond with ONLY a JSON object in this exact shape:

{
  "summary": "one-paragraph plain-language summary of what happened",
  "reasoning": "how you reached your conclusion, citing the evidence",
  "confidence": 0-100,
  "trust_score": 0-100,
  "safety_status": "benign | suspicious | malicious | undetermined",
  "suggested_follow_ups": ["concrete next step", "..."]
}

trust_score is how much the underlying telemetry can be trusted. Do not wrap the JSON in prose.`

// buildInitialPrompt renders the alert context as the opening user message.
func buildInitialPrompt(tc *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Security alert for analysis.\n\n")
	fmt.Fprintf(&b, "Alert ID: %s\n", tc.AlertID)
	fmt.Fprintf(&b, "Rule: %s (id %s, level %d)\n", tc.RuleDescription, tc.RuleID, tc.RuleLevel)
	fmt.Fprintf(&b, "Agent: %s (id %s)\n", tc.AgentName, tc.AgentID)
	if len(tc.MitreTactics) > 0 {
		fmt.Fprintf(&b, "MITRE tactics: %s\n", strings.Join(tc.MitreTactics, ", "))
	}
	if len(tc.MitreTechniques) > 0 {
		fmt.Fprintf(&b, "MITRE techniques: %s\n", strings.Join(tc.MitreTechniques, ", "))
	}
	if tc.Payload != "" {
		fmt.Fprintf(&b, "\nRaw event (may be truncated):\n%s\n", tc.Payload)
	}
	b.WriteString("\nInvestigate and respond with the JSON verdict.")
	return b.String()
}

// parseAnalysis extracts the structured verdict from the model's final
// text. Models occasionally wrap JSON in markdown fences; tolerate that.
func parseAnalysis(text string) (*Analysis, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty analysis text")
	}

	if i := strings.Index(text, "{"); i > 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}

	var a Analysis
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return nil, fmt.Errorf("unmarshal verdict: %w", err)
	}
	if a.Summary == "" {
		return nil, fmt.Errorf("verdict missing summary")
	}
	if a.SafetyStatus == "" {
		a.SafetyStatus = "undetermined"
	}
	return &a, nil
}
