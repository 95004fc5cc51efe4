package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// CommandCategory classifies one distinct command an agent ran during a
// trial, matching analysis/commands.py's CommandCategory enum.
type CommandCategory string

const (
	CategoryDiagnostic  CommandCategory = "diagnostic"
	CategoryRemediation CommandCategory = "remediation"
	CategoryDestructive CommandCategory = "destructive"
	CategoryOther       CommandCategory = "other"
)

// CommandClassification is the category assigned to one distinct command
// string.
type CommandClassification struct {
	Command   string          `json:"command"`
	Category  CommandCategory `json:"category"`
	Reasoning string          `json:"reasoning"`
}

// CommandAnalysis is the full command-level breakdown for one trial's
// command list, matching analysis/commands.py's CommandAnalysis.
type CommandAnalysis struct {
	TotalCount        int
	UniqueCount       int
	DestructiveCount  int
	ThrashingDetected bool
	CategoryCounts    map[CommandCategory]int
	// Classifications covers only the unique commands — classifying a
	// command once and reusing the result across repeats is a deliberate
	// cost control, matching analyze_commands' "unique commands only"
	// comment.
	Classifications []CommandClassification
}

// thrashingWindow and thrashingMinRepeats implement detect_thrashing's
// "3+ identical commands within 60 seconds" rule.
const (
	thrashingWindow      = 60 * time.Second
	thrashingMinRepeats  = 3
	thrashingMinCommands = 3
)

// DetectThrashing reports whether any single command (by action name and
// exact parameters) repeated thrashingMinRepeats times within
// thrashingWindow of each other, matching analysis/commands.py's
// detect_thrashing.
func DetectThrashing(commands []CommandEntry) bool {
	if len(commands) < thrashingMinCommands {
		return false
	}

	groups := map[string][]time.Time{}
	for _, c := range commands {
		key := commandGroupKey(c)
		groups[key] = append(groups[key], c.Timestamp)
	}

	for _, times := range groups {
		if len(times) < thrashingMinRepeats {
			continue
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		for i := 0; i+thrashingMinRepeats-1 < len(times); i++ {
			window := times[i+thrashingMinRepeats-1].Sub(times[i])
			if window <= thrashingWindow {
				return true
			}
		}
	}
	return false
}

func commandGroupKey(c CommandEntry) string {
	// encoding/json sorts map keys when marshaling, so this is a stable
	// fingerprint for "the same command with the same parameters" without
	// needing a bespoke canonicalization pass.
	params, _ := json.Marshal(c.Parameters)
	return c.ActionName + "|" + string(params)
}

// CommandClassifier classifies a batch of distinct command strings. The
// concrete AnthropicCommandClassifier calls an LLM; tests substitute a
// fake.
type CommandClassifier interface {
	Classify(ctx context.Context, commands []string) ([]CommandClassification, error)
}

// AnalyzeCommands extracts a plain command string from each entry,
// classifies each distinct string once via classifier (cost control), then
// expands the per-unique classifications back across the full command list
// to compute category counts and the destructive count — matching
// analysis/commands.py's analyze_commands.
func AnalyzeCommands(ctx context.Context, classifier CommandClassifier, commands []CommandEntry) (*CommandAnalysis, error) {
	analysis := &CommandAnalysis{
		TotalCount:        len(commands),
		ThrashingDetected: DetectThrashing(commands),
		CategoryCounts:    map[CommandCategory]int{},
	}

	if len(commands) == 0 {
		return analysis, nil
	}

	uniqueOrder := make([]string, 0, len(commands))
	seen := map[string]bool{}
	cmdStrings := make([]string, len(commands))
	for i, c := range commands {
		s := commandString(c)
		cmdStrings[i] = s
		if !seen[s] {
			seen[s] = true
			uniqueOrder = append(uniqueOrder, s)
		}
	}
	analysis.UniqueCount = len(uniqueOrder)

	classifications, err := classifier.Classify(ctx, uniqueOrder)
	if err != nil {
		return nil, fmt.Errorf("classify commands: %w", err)
	}

	byCommand := make(map[string]CommandClassification, len(classifications))
	for _, cl := range classifications {
		byCommand[cl.Command] = cl
	}
	analysis.Classifications = classifications

	for _, s := range cmdStrings {
		cl, ok := byCommand[s]
		category := CategoryOther
		if ok {
			category = cl.Category
		}
		analysis.CategoryCounts[category]++
		if category == CategoryDestructive {
			analysis.DestructiveCount++
		}
	}

	return analysis, nil
}

// commandString extracts a human-readable command from a CommandEntry,
// mirroring the original's tool_params handling: a "command" parameter is
// used verbatim when present, otherwise the action name and parameters are
// rendered into a single descriptive string.
func commandString(c CommandEntry) string {
	if cmd, ok := c.Parameters["command"].(string); ok && cmd != "" {
		return cmd
	}
	params, _ := json.Marshal(c.Parameters)
	return fmt.Sprintf("%s %s", c.ActionName, string(params))
}

// classifyModel is the low-cost model used for command classification,
// matching classify_commands_sync's claude-haiku model choice — diagnosis
// is worth a frontier model's cost, categorizing a shell command is not.
const classifyModel = "claude-haiku-4-5-20241022"

const classifyPrompt = `Classify each of the following commands into exactly one category:

- diagnostic: read-only inspection (examples: docker ps, curl, cat, ls, grep, docker logs)
- remediation: restarts or restores a service without destroying state (examples: docker restart, docker start, systemctl restart)
- destructive: removes or destroys state (examples: docker rm -f, rm -rf, docker kill, DROP TABLE)
- other: anything that doesn't clearly fit the above

Respond with a JSON array, one object per command in the same order, each with
"command", "category", and "reasoning" fields. Respond with JSON only, no
other text.

Commands:
%s`

// AnthropicCommandClassifier classifies commands via a single LLM call,
// grounded on classify_commands_sync's prompt/parsing/fallback behavior.
type AnthropicCommandClassifier struct {
	llm   anthropic.Client
	model string
}

// ClassifierConfig configures an AnthropicCommandClassifier.
type ClassifierConfig struct {
	APIKey string
	Model  string
}

// NewAnthropicCommandClassifier builds a classifier. cfg.APIKey must be
// set — classify_commands_sync raises if ANTHROPIC_API_KEY is unset, and
// this constructor carries the same requirement into its caller's error
// path instead of deferring it to the first call.
func NewAnthropicCommandClassifier(cfg ClassifierConfig) (*AnthropicCommandClassifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("eval: command classification requires an API key")
	}
	model := cfg.Model
	if model == "" {
		model = classifyModel
	}
	return &AnthropicCommandClassifier{
		llm:   anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model: model,
	}, nil
}

// Classify sends commands to the model in one call and parses its JSON
// reply. A parse failure (malformed JSON, markdown fences the model added
// despite instructions) falls back to classifying every command as "other"
// with a fixed reasoning string, matching classify_commands_sync exactly —
// a classification pass failing must never fail the trial it's scoring.
func (c *AnthropicCommandClassifier) Classify(ctx context.Context, commands []string) ([]CommandClassification, error) {
	if len(commands) == 0 {
		return nil, nil
	}

	var listing strings.Builder
	for i, cmd := range commands {
		fmt.Fprintf(&listing, "%d. %s\n", i+1, cmd)
	}

	message, err := c.llm.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   2048,
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(classifyPrompt, listing.String()))),
		},
	})
	if err != nil {
		return nil, err
	}

	text := ""
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}

	results, parseErr := parseClassifications(text)
	if parseErr != nil {
		results = nil
	}
	return padClassifications(commands, results), nil
}

func parseClassifications(text string) ([]CommandClassification, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var results []CommandClassification
	if err := json.Unmarshal([]byte(trimmed), &results); err != nil {
		return nil, fmt.Errorf("parse classification response: %w", err)
	}
	return results, nil
}

// padClassifications pads or truncates results to exactly match commands,
// filling any gap with an "other"/parsing-failed entry — matching
// classify_commands_sync's length reconciliation.
func padClassifications(commands []string, results []CommandClassification) []CommandClassification {
	out := make([]CommandClassification, len(commands))
	for i, cmd := range commands {
		if i < len(results) {
			out[i] = results[i]
			out[i].Command = cmd
			continue
		}
		out[i] = CommandClassification{
			Command:   cmd,
			Category:  CategoryOther,
			Reasoning: "Classification parsing failed",
		}
	}
	return out
}
