package util

import (
	"html"
	"strings"
)

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsAnyFold reports whether s contains any of the substrings,
// ignoring case.
func ContainsAnyFold(s string, substrings []string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrings {
		if sub != "" && strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// SanitizeDetails escapes every string value of a client supplied detail
// payload before it is persisted.
func SanitizeDetails(details map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if s, ok := v.(string); ok {
			out[SanitizeInput(k)] = SanitizeInput(s)
			continue
		}
		out[SanitizeInput(k)] = v
	}
	return out
}
