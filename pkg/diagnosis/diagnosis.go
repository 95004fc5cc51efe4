// Package diagnosis invokes an LLM to produce a schema-constrained
// differential diagnosis for a ticket, grounded on
// original_source/agent/prompt.py's SYSTEM_PROMPT (differential-diagnosis
// structure: timeline, affected components, metric readings, primary
// diagnosis, alternatives considered, recommended action, structured
// recommended_actions) and original_source/agent/runner.py's handling of
// Claude's three terminal stop reasons for a diagnosis call.
//
// The original used Claude's beta structured-output parsing
// (client.beta.messages.parse with an output_format dataclass). This module
// reaches the same outcome the way a forced single-tool-call Go client does
// it: the diagnosis schema is described as a tool, and tool_choice forces
// the model to call it, so the reply's tool_use input IS the structured
// diagnosis.
package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker/v2"

	"github.com/codeready-toolchain/operant/pkg/contextgather"
)

// toolName is the name of the forced tool call whose input carries the
// structured diagnosis.
const toolName = "emit_diagnosis"

// ErrRefused is returned when the model declines to diagnose the ticket.
// Per runner.py, a refusal is stored as a diagnosis-error marker rather than
// requeued for automatic retry — a ticket that got refused once is unlikely
// to fare differently on an identical prompt next tick.
var ErrRefused = errors.New("diagnosis: model refused to diagnose")

// systemPrompt mirrors agent/prompt.py's SYSTEM_PROMPT almost verbatim: the
// differential-diagnosis structure an SRE runbook would follow.
const systemPrompt = `You are an expert SRE diagnosing issues in a distributed system.

When analyzing a ticket violation, provide a differential diagnosis:

1. TIMELINE: what happened, in chronological order
2. AFFECTED COMPONENTS: which entities, services, or cluster-wide systems
3. METRIC READINGS: key values at violation time
4. PRIMARY DIAGNOSIS: the most likely root cause, with supporting evidence
5. ALTERNATIVES CONSIDERED: what else this could be, and why it was ruled out
   (or not) — "insufficient data" is an acceptable conclusion
6. RECOMMENDED ACTION: severity, a conceptual description, and copy-paste
   ready commands where applicable — "wait and observe" is a valid
   recommendation, and every recommendation must note its risks
7. STRUCTURED ACTIONS: when Available Actions are listed, use them in
   recommended_actions; fill in every required parameter from the
   observation data or the action will fail validation

Write in clinical, technical tone like an SRE runbook. Be precise, terse,
metric-focused. Reference specific metric values and thresholds.`

// Severity mirrors the three levels the prompt asks the model to choose
// between.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// RecommendedAction is one structured action recommendation, shaped to feed
// directly into pkg/dispatcher.Recommendation.
type RecommendedAction struct {
	ActionName      string         `json:"action_name"`
	Parameters      map[string]any `json:"parameters"`
	Reason          string         `json:"reason"`
	ExpectedOutcome string         `json:"expected_outcome,omitempty"`
	Urgency         string         `json:"urgency,omitempty"`
}

// Output is the structured diagnosis the model is forced to emit.
type Output struct {
	Severity           Severity             `json:"severity"`
	Timeline           string               `json:"timeline"`
	AffectedComponents string               `json:"affected_components"`
	MetricReadings     string               `json:"metric_readings"`
	PrimaryDiagnosis   string               `json:"primary_diagnosis"`
	Alternatives       string               `json:"alternatives_considered"`
	RecommendedAction  string               `json:"recommended_action"`
	RecommendedActions []RecommendedAction  `json:"recommended_actions,omitempty"`
}

// outputSchema is the JSON Schema describing Output, handed to the model as
// the forced tool's input_schema.
var outputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"severity":             map[string]any{"type": "string", "enum": []string{"critical", "warning", "info"}},
		"timeline":             map[string]any{"type": "string"},
		"affected_components":  map[string]any{"type": "string"},
		"metric_readings":      map[string]any{"type": "string"},
		"primary_diagnosis":    map[string]any{"type": "string"},
		"alternatives_considered": map[string]any{"type": "string"},
		"recommended_action":   map[string]any{"type": "string"},
		"recommended_actions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action_name":      map[string]any{"type": "string"},
					"parameters":       map[string]any{"type": "object"},
					"reason":           map[string]any{"type": "string"},
					"expected_outcome": map[string]any{"type": "string"},
					"urgency":          map[string]any{"type": "string"},
				},
				"required": []string{"action_name", "parameters", "reason"},
			},
		},
	},
	"required": []string{"severity", "timeline", "affected_components", "metric_readings", "primary_diagnosis", "alternatives_considered", "recommended_action"},
}

// Client calls an LLM for structured diagnosis, behind a circuit breaker so
// a string of upstream failures fails fast instead of stalling every ticket
// in the tick behind a multi-second timeout apiece.
type Client struct {
	llm       anthropic.Client
	model     string
	maxTokens int64
	breaker   *gobreaker.CircuitBreaker[*Output]
}

// Config configures the diagnosis client.
type Config struct {
	APIKey             string
	Model              string
	MaxTokens          int64
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-opus-4-20250514"

// New builds a diagnosis Client.
func New(cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "diagnosis-llm",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}

	return &Client{
		llm:       anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     model,
		maxTokens: maxTokens,
		breaker:   gobreaker.NewCircuitBreaker[*Output](settings),
	}
}

// Diagnose invokes the model on the assembled context and returns the
// structured diagnosis. ErrRefused is returned when the model refuses; the
// caller is expected to store a diagnosis-error marker rather than retry
// automatically. A max_tokens stop is not an error — the partial structured
// output is still returned, matching runner.py's "still use partial result
// if available" handling.
func (c *Client) Diagnose(ctx context.Context, dc *contextgather.DiagnosisContext) (*Output, error) {
	prompt := buildPrompt(dc)

	tool := anthropic.ToolParam{
		Name:        toolName,
		Description: anthropic.String("Emit the structured differential diagnosis for this ticket."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: outputSchema["properties"],
		},
	}

	out, err := c.breaker.Execute(func() (*Output, error) {
		message, err := c.llm.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: c.maxTokens,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
			Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
			Tools:     []anthropic.ToolUnionParam{{OfTool: &tool}},
			ToolChoice: anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: toolName},
			},
		})
		if err != nil {
			return nil, err
		}
		return parseMessage(message)
	})
	if err != nil {
		return nil, mapBreakerError(err)
	}
	return out, nil
}

func parseMessage(message *anthropic.Message) (*Output, error) {
	if message.StopReason == anthropic.StopReasonRefusal {
		return nil, ErrRefused
	}

	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.ToolUseBlock:
			if variant.Name != toolName {
				continue
			}
			var out Output
			if err := json.Unmarshal(variant.Input, &out); err != nil {
				return nil, fmt.Errorf("diagnosis: decoding tool input: %w", err)
			}
			return &out, nil
		}
	}

	return nil, fmt.Errorf("diagnosis: no %s tool call in response (stop_reason=%s)", toolName, message.StopReason)
}

func mapBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("diagnosis: circuit breaker open, skipping call: %w", err)
	}
	return err
}

// FormatMarkdown renders a diagnosis into the human-readable markdown the
// ticket store persists, matching the section order
// build_diagnosis_prompt/format_diagnosis_markdown used in the original.
func FormatMarkdown(out *Output) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Diagnosis\n\n**Severity:** %s\n\n", out.Severity)
	fmt.Fprintf(&b, "## Timeline\n\n%s\n\n", out.Timeline)
	fmt.Fprintf(&b, "## Affected Components\n\n%s\n\n", out.AffectedComponents)
	fmt.Fprintf(&b, "## Metric Readings\n\n%s\n\n", out.MetricReadings)
	fmt.Fprintf(&b, "## Primary Diagnosis\n\n%s\n\n", out.PrimaryDiagnosis)
	fmt.Fprintf(&b, "## Alternatives Considered\n\n%s\n\n", out.Alternatives)
	fmt.Fprintf(&b, "## Recommended Action\n\n%s\n", out.RecommendedAction)
	return b.String()
}

func buildPrompt(dc *contextgather.DiagnosisContext) string {
	var b strings.Builder

	t := dc.Ticket
	fmt.Fprintf(&b, "## Ticket\n\n- **Invariant:** %s\n- **Message:** %s\n- **First seen:** %s\n- **Occurrences:** %d\n\n",
		t.InvariantName, t.Message, t.FirstSeen.Format(time.RFC3339), t.OccurrenceCount)

	if dc.MetricSnapshot != nil {
		b.WriteString("## Metrics at Violation Time\n\n")
		for k, v := range dc.MetricSnapshot {
			fmt.Fprintf(&b, "- **%s:** %v\n", k, v)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Current Observation\n\n")
	if dc.Observation != nil {
		raw, _ := json.MarshalIndent(dc.Observation, "", "  ")
		fmt.Fprintf(&b, "```json\n%s\n```\n\n", raw)
	} else {
		b.WriteString("*No fresh observation available*\n\n")
	}

	if len(dc.SimilarTickets) > 0 {
		b.WriteString("## Similar Past Tickets\n\n")
		for _, s := range dc.SimilarTickets {
			status := "unresolved"
			if s.Resolved != nil {
				status = s.Resolved.Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "### Ticket %d (%s)\n- **Message:** %s\n", s.ID, status, s.Message)
			if s.Diagnosis != nil {
				preview := *s.Diagnosis
				if len(preview) > 300 {
					preview = preview[:300] + "..."
				}
				fmt.Fprintf(&b, "- **Diagnosis:** %s\n", preview)
			}
			b.WriteString("\n")
		}
	}

	if len(dc.ActionDefinitions) > 0 {
		b.WriteString("## Available Actions\n\nWhen recommending actions, use these exact names and parameters:\n\n")
		for _, a := range dc.ActionDefinitions {
			fmt.Fprintf(&b, "### `%s`\n- **Description:** %s\n- **Risk level:** %s\n", a.Name, a.Description, a.RiskLevel)
			for name, p := range a.Parameters {
				required := "optional"
				if p.Required {
					required = "required"
				}
				fmt.Fprintf(&b, "  - `%s` (%s, %s): %s\n", name, p.Type, required, p.Description)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}
