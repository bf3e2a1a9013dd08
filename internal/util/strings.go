package util

import "strings"

// NilIfBlank trims s and returns nil when nothing is left.
func NilIfBlank(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func AsPtr[T any](v T) *T {
	return &v
}
