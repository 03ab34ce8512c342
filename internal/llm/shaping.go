package llm

import "strings"

// reasoningFamily reports whether the model belongs to the reasoning family,
// which takes max_completion_tokens and rejects temperature.
func reasoningFamily(model string) bool {
	lowered := strings.ToLower(model)
	return strings.Contains(lowered, "o1") || strings.Contains(lowered, "chato1")
}

// shapeParams translates the uniform request fields into the parameter names
// the model family accepts. The result is merged into the wire payload.
func shapeParams(req GenerateRequest) map[string]any {
	params := map[string]any{}
	if reasoningFamily(req.Model) {
		if req.MaxTokens > 0 {
			params["max_completion_tokens"] = req.MaxTokens
		}
		// Reasoning models reject temperature; omit it entirely.
		return params
	}
	if req.MaxTokens > 0 {
		params["max_tokens"] = req.MaxTokens
	}
	params["temperature"] = req.Temperature
	return params
}
