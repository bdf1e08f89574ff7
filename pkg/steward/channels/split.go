package channels

import "strings"

// MaxMessageDefault is the outbound text limit used when a platform has no
// known limit of its own.
const MaxMessageDefault = 4000

// SplitMessage breaks content into chunks of at most maxLen bytes. Chunks are
// split on line boundaries near the limit; a single line longer than the
// limit is split on word boundaries, and only as a last resort mid-word.
func SplitMessage(content string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageDefault
	}
	if len(content) <= maxLen {
		return []string{content}
	}

	var chunks []string
	remaining := content
	for len(remaining) > maxLen {
		cut := lastBreak(remaining, maxLen)
		chunks = append(chunks, strings.TrimRight(remaining[:cut], "\n"))
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// lastBreak finds the best split position at or before maxLen, preferring a
// newline, then a space, then the hard limit.
func lastBreak(s string, maxLen int) int {
	window := s[:maxLen]
	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return i + 1
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return i + 1
	}
	return maxLen
}
