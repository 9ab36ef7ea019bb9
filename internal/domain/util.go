package domain

import "strings"

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
