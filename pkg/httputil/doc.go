// Package httputil provides small helpers for consistent JSON responses
// and request parsing across the HTTP handlers.
package httputil
