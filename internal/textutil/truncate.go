// Package textutil implements the boundary-aware truncation used for query,
// source, and prompt ceilings. All limits are measured in bytes over UTF-8
// text; cuts never split a rune.
package textutil

import (
	"strings"
	"unicode/utf8"
)

// Ellipsis is appended when a cut could not be made at a sentence boundary
// with acceptable retention.
const Ellipsis = "..."

// sentenceRetention is the minimum share of the target length a
// sentence-boundary cut must keep to be preferred over a hard cut.
const sentenceRetention = 0.8

// reduceRetention is the minimum share of the original text a prompt
// reduction must keep before the reduction is considered meaningful.
const reduceRetention = 0.7

// TruncateAtWord returns s cut to at most max bytes, preferring the last
// whitespace boundary. Text at or under the limit passes through untouched.
func TruncateAtWord(s string, max int) string {
	if max <= 0 || len(s) <= max {
		if max <= 0 {
			return ""
		}
		return s
	}

	cut := hardCut(s, max)
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		return strings.TrimRight(cut[:idx], " \t\n")
	}
	return cut
}

// TruncateAtSentence returns s cut to at most max bytes, preferring the last
// sentence boundary. The sentence-boundary variant is kept only when it
// retains at least 80% of the target length; otherwise the text is cut at a
// word boundary and an ellipsis is appended.
func TruncateAtSentence(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}

	cut := hardCut(s, max)
	if end := lastSentenceEnd(cut); end > 0 && float64(end) >= sentenceRetention*float64(max) {
		return strings.TrimRight(cut[:end], " \t\n")
	}

	// No acceptable sentence boundary: cut at a word and mark the cut.
	word := TruncateAtWord(s, max-len(Ellipsis))
	return word + Ellipsis
}

// ReduceToFit shrinks s to at most max bytes for prompt assembly. It prefers
// a sentence boundary, then a word boundary, and reports whether the result
// still retains at least 70% of the original text. Callers treat ok=false as
// a context-too-large condition.
func ReduceToFit(s string, max int) (reduced string, ok bool) {
	if max <= 0 {
		return "", false
	}
	if len(s) <= max {
		return s, true
	}

	floor := reduceRetention * float64(len(s))
	if float64(max) < floor {
		return "", false
	}

	cut := hardCut(s, max)
	if end := lastSentenceEnd(cut); end > 0 && float64(end) >= floor {
		return strings.TrimRight(cut[:end], " \t\n"), true
	}
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 && float64(idx) >= floor {
		return strings.TrimRight(cut[:idx], " \t\n"), true
	}
	return cut, true
}

// lastSentenceEnd returns the byte offset just past the final sentence
// terminator in s, or 0 when none exists.
func lastSentenceEnd(s string) int {
	best := 0
	for _, sep := range []string{". ", ".\n", "! ", "!\n", "? ", "?\n"} {
		if idx := strings.LastIndex(s, sep); idx >= 0 && idx+1 > best {
			best = idx + 1
		}
	}
	// A terminator at the very end of the cut counts too.
	trimmed := strings.TrimRight(s, " \t\n")
	if n := len(trimmed); n > 0 && n > best {
		switch trimmed[n-1] {
		case '.', '!', '?':
			best = n
		}
	}
	return best
}

// hardCut cuts s to at most max bytes without splitting a rune.
func hardCut(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
