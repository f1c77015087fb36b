package crawler

import (
	"math"
	"strings"
)

// ContainsFold reports whether needle occurs in haystack, ignoring case.
func ContainsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// Clamp01 bounds a confidence score to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Truncate trims s and shortens it to at most limit runes.
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// SuccessRate returns succeeded/attempted, or 0 when nothing was attempted.
func SuccessRate(succeeded, attempted int) float64 {
	if attempted <= 0 {
		return 0
	}
	return float64(succeeded) / float64(attempted)
}
