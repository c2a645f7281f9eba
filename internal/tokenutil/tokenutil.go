// Package tokenutil estimates token counts. The orchestrator uses it to
// charge a discovery cost to rows whose extractor did not report one.
package tokenutil

import "strings"

// Estimate returns a word-based token estimate: words * 1.33, floored by
// len/4 so code and text without spaces are not undercounted.
func Estimate(content string) int64 {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int64(float64(words) * 1.33)
	charEstimate := int64(len(content) / 4)
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateAll sums Estimate over parts.
func EstimateAll(parts ...string) int64 {
	var n int64
	for _, p := range parts {
		n += Estimate(p)
	}
	return n
}
