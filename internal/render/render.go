// Package render turns template steps into concrete prompts and validates
// model output against the template's required schema.
//
// Prompt source text carries {{...}} placeholders in two namespaces:
// "seed.<dotted.path>" resolves against the record's seed row, and
// "step.<id>" resolves against an earlier step's output. Rendering is a
// pure function of the template, the seed row, and prior outputs, so the
// same inputs always produce the same prompt.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/plotpalette/plotpalette/internal/domain"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// Error is a template render failure. Render errors are deterministic:
// the same template, seed row, and prior outputs reproduce them, so the
// caller treats a repeat occurrence as fatal for the job.
type Error struct {
	StepID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render step %s: %v", e.StepID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Step renders one template step's prompt. Every placeholder must
// resolve; an unknown namespace, missing seed field, or reference to a
// step that has not produced output yet is a render error.
func Step(step *domain.TemplateStep, seedRow map[string]any, priorOutputs map[string]string) (string, error) {
	var renderErr error
	rendered := placeholderRE.ReplaceAllStringFunc(step.Prompt, func(match string) string {
		if renderErr != nil {
			return match
		}
		ref := strings.TrimSpace(match[2 : len(match)-2])
		value, err := resolve(ref, seedRow, priorOutputs)
		if err != nil {
			renderErr = &Error{StepID: step.ID, Err: err}
			return match
		}
		return value
	})
	if renderErr != nil {
		return "", renderErr
	}
	return rendered, nil
}

func resolve(ref string, seedRow map[string]any, priorOutputs map[string]string) (string, error) {
	namespace, rest, ok := strings.Cut(ref, ".")
	if !ok {
		return "", fmt.Errorf("placeholder %q has no namespace", ref)
	}
	switch namespace {
	case "seed":
		value, found := FieldAt(seedRow, rest)
		if !found {
			return "", fmt.Errorf("seed field %q not present in row", rest)
		}
		return fmt.Sprintf("%v", value), nil
	case "step":
		out, found := priorOutputs[rest]
		if !found {
			return "", fmt.Errorf("step %q has no output yet", rest)
		}
		return out, nil
	default:
		return "", fmt.Errorf("unknown placeholder namespace %q", namespace)
	}
}
