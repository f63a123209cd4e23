package cache

import (
	"strings"
)

// NormalizeKey derives the cache key for a keyword: case-folded, trimmed,
// with internal whitespace runs collapsed to a single space.
//
// Example:
//
//	NormalizeKey("  Dog  Bed ") == "dog bed"
func NormalizeKey(keyword string) string {
	return strings.Join(strings.Fields(strings.ToLower(keyword)), " ")
}
