package httputil

import (
	"net/http"
	"strings"
)

// ParseQueryBool parses a boolean query parameter, returning defaultValue
// when absent or unparseable. "1", "true" and "yes" count as true.
func ParseQueryBool(r *http.Request, name string, defaultValue bool) bool {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return defaultValue
	}
}

// ParseQueryString parses a string query parameter with a default.
func ParseQueryString(r *http.Request, name, defaultValue string) string {
	if value := r.URL.Query().Get(name); value != "" {
		return value
	}
	return defaultValue
}
