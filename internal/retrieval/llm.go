package retrieval

import "context"

// LLM is the optional language-model surface injected at construction.
// A nil LLM leaves the agent fully deterministic: structured parsing only,
// no reasoning fallback.
type LLM interface {
	// ExtractFilters asks the model for a JSON object of filter tokens.
	ExtractFilters(ctx context.Context, prompt string) (map[string]interface{}, error)

	// Reason answers prompt given a rendered context block and returns the
	// model's text.
	Reason(ctx context.Context, prompt, contextBlock string) (string, error)
}
