package node

import "strings"

// ExtractJSON pulls a JSON object out of a model reply. Models wrap JSON
// in prose and code fences unpredictably, so extraction is duck-typed:
// first a balanced brace scan, then fenced blocks, then the raw text.
// Callers fall back to conservative defaults when the result still fails
// to parse; no error escapes these paths.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "{") {
		depth := 0
		for i, ch := range response {
			switch ch {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return response[:i+1]
				}
			}
		}
	}

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + len("```")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	return response
}
