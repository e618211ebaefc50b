package scenario

import "strings"

// Transport size limits, in characters.
const (
	MaxTextLength    = 4096
	MaxCaptionLength = 1024
)

// SplitIfOversized returns [s] when s fits in max characters. Otherwise it
// cuts once, before the midpoint: after the last '.', else after the last
// space, else at the midpoint itself. Both halves are trimmed. The result
// never has more than two parts even if a half still exceeds max.
func SplitIfOversized(s string, max int) []string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return []string{s}
	}
	mid := len(runes) / 2
	cut := lastIndexBefore(runes, '.', mid)
	if cut < 0 {
		cut = lastIndexBefore(runes, ' ', mid)
	}
	if cut < 0 {
		cut = mid
	}
	first := strings.TrimSpace(string(runes[:cut+1]))
	second := strings.TrimSpace(string(runes[cut+1:]))
	return []string{first, second}
}

func lastIndexBefore(runes []rune, r rune, end int) int {
	for i := end - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
