package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotpalette/plotpalette/internal/domain"
)

func TestRowIndexDeterministic(t *testing.T) {
	a := RowIndex(42, 7, 1000)
	b := RowIndex(42, 7, 1000)
	assert.Equal(t, a, b)

	// Different slots spread across the row space.
	seen := map[int64]bool{}
	for i := int64(0); i < 50; i++ {
		seen[RowIndex(42, i, 1000)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestRowIndexBounds(t *testing.T) {
	for i := int64(0); i < 100; i++ {
		idx := RowIndex(7, i, 10)
		assert.GreaterOrEqual(t, idx, int64(0))
		assert.Less(t, idx, int64(10))
	}
	assert.Equal(t, int64(0), RowIndex(7, 3, 0))
}

func TestFieldAt(t *testing.T) {
	row := map[string]any{
		"topic": "ships",
		"meta":  map[string]any{"genre": "history", "depth": map[string]any{"level": 3}},
	}

	v, ok := FieldAt(row, "topic")
	require.True(t, ok)
	assert.Equal(t, "ships", v)

	v, ok = FieldAt(row, "meta.depth.level")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = FieldAt(row, "meta.missing")
	assert.False(t, ok)

	_, ok = FieldAt(row, "topic.nested")
	assert.False(t, ok)
}

func TestStepRendering(t *testing.T) {
	step := &domain.TemplateStep{
		ID:     "outline",
		Prompt: "Write an outline about {{seed.topic}} in the style of {{ seed.meta.genre }}.",
	}
	row := map[string]any{
		"topic": "lighthouses",
		"meta":  map[string]any{"genre": "noir"},
	}

	got, err := Step(step, row, nil)
	require.NoError(t, err)
	assert.Equal(t, "Write an outline about lighthouses in the style of noir.", got)
}

func TestStepReferencesPriorOutput(t *testing.T) {
	step := &domain.TemplateStep{
		ID:     "expand",
		Prompt: "Expand this outline:\n{{step.outline}}",
	}
	got, err := Step(step, nil, map[string]string{"outline": "1. intro"})
	require.NoError(t, err)
	assert.Equal(t, "Expand this outline:\n1. intro", got)
}

func TestStepMissingReference(t *testing.T) {
	step := &domain.TemplateStep{ID: "s", Prompt: "{{seed.absent}}"}
	_, err := Step(step, map[string]any{}, nil)
	require.Error(t, err)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "s", rerr.StepID)

	_, err = Step(&domain.TemplateStep{ID: "s", Prompt: "{{step.later}}"}, nil, nil)
	assert.Error(t, err)

	_, err = Step(&domain.TemplateStep{ID: "s", Prompt: "{{bogus.x}}"}, nil, nil)
	assert.Error(t, err)
}

func TestValidateAcceptsCleanJSON(t *testing.T) {
	parsed, err := Validate(`{"title":"x","body":{"text":"y"}}`, []string{"title", "body.text"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "x", parsed["title"])
}

func TestValidateRepairsFencedJSON(t *testing.T) {
	text := "```json\n{\"title\":\"x\"}\n```"
	parsed, err := Validate(text, []string{"title"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "x", parsed["title"])
}

func TestValidateRepairsSurroundingProse(t *testing.T) {
	text := "Sure! Here is the record:\n{\"title\":\"x\"}\nHope that helps."
	parsed, err := Validate(text, []string{"title"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "x", parsed["title"])
}

func TestValidateRejectsAfterRepairs(t *testing.T) {
	_, err := Validate("not json at all", []string{"title"}, 2)
	require.Error(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateMissingRequiredField(t *testing.T) {
	_, err := Validate(`{"title":"x"}`, []string{"title", "body"}, 2)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"body"}, verr.Missing)
}

func TestValidateZeroRepairBudget(t *testing.T) {
	_, err := Validate("```json\n{\"title\":\"x\"}\n```", []string{"title"}, 0)
	assert.Error(t, err)
}
