package domain

import "time"

// Model tiers. Configuration maps each tier to a concrete model id and rate
// pair; templates only ever name tiers.
const (
	TierOne   = "tier-1"
	TierTwo   = "tier-2"
	TierThree = "tier-3"
)

// TemplateStep is a single prompt step within a template. Steps run in
// order; a later step's prompt may reference earlier step outputs by step id.
type TemplateStep struct {
	ID              string `json:"id"`
	Tier            string `json:"tier"`
	Prompt          string `json:"prompt"`
	MaxInputTokens  int64  `json:"max_input_tokens"`
	MaxOutputTokens int64  `json:"max_output_tokens"`
}

// Template is an immutable prompt template version. A (ID, Version) pair,
// once written, is never mutated; edits create a new version.
type Template struct {
	ID      string
	Version int
	Steps   []TemplateStep

	// RequiredFields are dotted paths that every generated record must
	// carry after the final step.
	RequiredFields []string

	CreatedAt time.Time
}

// Step returns the step with the given id, or nil.
func (t *Template) Step(id string) *TemplateStep {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// MostExpensiveTier returns the highest-rate tier used by any step,
// according to the supplied per-tier output rates. Used for worst-case
// budget projection.
func (t *Template) MostExpensiveTier(outputRatePerTier map[string]float64) string {
	best := ""
	bestRate := -1.0
	for _, step := range t.Steps {
		if r := outputRatePerTier[step.Tier]; r > bestRate {
			best, bestRate = step.Tier, r
		}
	}
	return best
}

// MaxTokensPerRecord sums the declared token ceilings across all steps,
// bounding the tokens a single record can consume.
func (t *Template) MaxTokensPerRecord() (input, output int64) {
	for _, step := range t.Steps {
		input += step.MaxInputTokens
		output += step.MaxOutputTokens
	}
	return input, output
}
