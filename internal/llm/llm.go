// Package llm abstracts the completion model behind a small interface
// so the extractor and resolver can be tested without network access.
package llm

import (
	"context"
	"strings"
)

// Client produces a JSON completion for a system/user prompt pair.
// Implementations return the raw completion text; callers parse it.
type Client interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// StripFences removes a leading/trailing markdown code fence from a
// model completion. Models sometimes wrap JSON in ```json blocks even
// when asked for a bare object.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
