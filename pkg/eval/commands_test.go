package eval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectThrashingFalseBelowMinimumCommands(t *testing.T) {
	commands := []CommandEntry{
		{ActionName: "restart_service", Parameters: map[string]any{"service": "a"}, Timestamp: time.Now()},
		{ActionName: "restart_service", Parameters: map[string]any{"service": "a"}, Timestamp: time.Now()},
	}
	assert.False(t, DetectThrashing(commands))
}

func TestDetectThrashingTrueForThreeIdenticalWithinWindow(t *testing.T) {
	base := time.Now()
	commands := []CommandEntry{
		{ActionName: "restart_service", Parameters: map[string]any{"service": "a"}, Timestamp: base},
		{ActionName: "restart_service", Parameters: map[string]any{"service": "a"}, Timestamp: base.Add(20 * time.Second)},
		{ActionName: "restart_service", Parameters: map[string]any{"service": "a"}, Timestamp: base.Add(40 * time.Second)},
	}
	assert.True(t, DetectThrashing(commands))
}

func TestDetectThrashingFalseWhenRepeatsAreSpreadOut(t *testing.T) {
	base := time.Now()
	commands := []CommandEntry{
		{ActionName: "restart_service", Parameters: map[string]any{"service": "a"}, Timestamp: base},
		{ActionName: "restart_service", Parameters: map[string]any{"service": "a"}, Timestamp: base.Add(2 * time.Minute)},
		{ActionName: "restart_service", Parameters: map[string]any{"service": "a"}, Timestamp: base.Add(4 * time.Minute)},
	}
	assert.False(t, DetectThrashing(commands))
}

func TestDetectThrashingIgnoresDifferentParameters(t *testing.T) {
	base := time.Now()
	commands := []CommandEntry{
		{ActionName: "restart_service", Parameters: map[string]any{"service": "a"}, Timestamp: base},
		{ActionName: "restart_service", Parameters: map[string]any{"service": "b"}, Timestamp: base.Add(time.Second)},
		{ActionName: "restart_service", Parameters: map[string]any{"service": "c"}, Timestamp: base.Add(2 * time.Second)},
	}
	assert.False(t, DetectThrashing(commands))
}

type fakeClassifier struct {
	categories map[string]CommandCategory
}

func (f fakeClassifier) Classify(ctx context.Context, commands []string) ([]CommandClassification, error) {
	out := make([]CommandClassification, len(commands))
	for i, c := range commands {
		cat, ok := f.categories[c]
		if !ok {
			cat = CategoryOther
		}
		out[i] = CommandClassification{Command: c, Category: cat}
	}
	return out, nil
}

func TestAnalyzeCommandsClassifiesUniquesOnceAndExpandsCounts(t *testing.T) {
	commands := []CommandEntry{
		{ActionName: "docker", Parameters: map[string]any{"command": "docker ps"}, Timestamp: time.Now()},
		{ActionName: "docker", Parameters: map[string]any{"command": "docker ps"}, Timestamp: time.Now()},
		{ActionName: "docker", Parameters: map[string]any{"command": "rm -rf /data"}, Timestamp: time.Now()},
	}
	classifier := fakeClassifier{categories: map[string]CommandCategory{
		"docker ps":     CategoryDiagnostic,
		"rm -rf /data":  CategoryDestructive,
	}}

	analysis, err := AnalyzeCommands(context.Background(), classifier, commands)
	require.NoError(t, err)

	assert.Equal(t, 3, analysis.TotalCount)
	assert.Equal(t, 2, analysis.UniqueCount)
	assert.Equal(t, 1, analysis.DestructiveCount)
	assert.Equal(t, 2, analysis.CategoryCounts[CategoryDiagnostic])
	assert.Equal(t, 1, analysis.CategoryCounts[CategoryDestructive])
	assert.Len(t, analysis.Classifications, 2)
}

func TestAnalyzeCommandsEmptyInput(t *testing.T) {
	analysis, err := AnalyzeCommands(context.Background(), fakeClassifier{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, analysis.TotalCount)
	assert.False(t, analysis.ThrashingDetected)
}

func TestParseClassificationsStripsMarkdownFences(t *testing.T) {
	text := "```json\n[{\"command\":\"ls\",\"category\":\"diagnostic\",\"reasoning\":\"read-only\"}]\n```"
	results, err := parseClassifications(text)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, CategoryDiagnostic, results[0].Category)
}

func TestPadClassificationsFillsMissingWithOther(t *testing.T) {
	commands := []string{"a", "b", "c"}
	results := []CommandClassification{{Command: "a", Category: CategoryDiagnostic}}

	padded := padClassifications(commands, results)

	require.Len(t, padded, 3)
	assert.Equal(t, CategoryDiagnostic, padded[0].Category)
	assert.Equal(t, CategoryOther, padded[1].Category)
	assert.Equal(t, "Classification parsing failed", padded[1].Reasoning)
}
