package render

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationError reports a record that does not satisfy the template's
// required schema even after local repairs.
type ValidationError struct {
	Missing []string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record validation: %v", e.Err)
	}
	return fmt.Sprintf("record validation: missing required fields %v", e.Missing)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// repairs are cheap local transformations applied to model output that
// fails to parse, in order. They never call the model.
var repairs = []func(string) string{
	stripCodeFence,
	extractObject,
}

// Validate parses a final-step output as a JSON object and checks that
// every required dotted path resolves to a non-nil value. On parse
// failure it applies up to maxRepairs local repairs before giving up.
func Validate(text string, required []string, maxRepairs int) (map[string]any, error) {
	candidate := text
	parsed, err := parseObject(candidate)
	for attempt := 0; err != nil && attempt < maxRepairs && attempt < len(repairs); attempt++ {
		candidate = repairs[attempt](candidate)
		parsed, err = parseObject(candidate)
	}
	if err != nil {
		return nil, &ValidationError{Err: err}
	}

	var missing []string
	for _, path := range required {
		value, found := FieldAt(parsed, path)
		if !found || value == nil {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}
	return parsed, nil
}

func parseObject(text string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// stripCodeFence removes a surrounding markdown code fence.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		// Drop the language hint line.
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// extractObject cuts the text down to its outermost JSON object.
func extractObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
