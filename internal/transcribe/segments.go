// Package transcribe turns audio tracks into text. Long audio is cut into
// fixed windows that overlap by a few seconds; each window is transcribed
// on its own and the transcripts are stitched back together by dropping the
// words repeated across each overlap.
package transcribe

import (
	"strings"
	"time"
	"unicode"
)

// Window is a slice of an audio track.
type Window struct {
	Start  time.Duration
	Length time.Duration
}

// PlanWindows splits total into windows of at most chunk, each starting
// chunk-overlap after the previous one. The last window ends exactly at
// total. Audio no longer than chunk yields a single window.
func PlanWindows(total, chunk, overlap time.Duration) []Window {
	if total <= 0 {
		return nil
	}
	if chunk <= 0 || total <= chunk {
		return []Window{{Start: 0, Length: total}}
	}
	if overlap < 0 || overlap >= chunk {
		overlap = 0
	}
	step := chunk - overlap

	var out []Window
	for start := time.Duration(0); ; start += step {
		end := start + chunk
		if end >= total {
			out = append(out, Window{Start: start, Length: total - start})
			return out
		}
		out = append(out, Window{Start: start, Length: chunk})
	}
}

// Merge joins window transcripts in order. Between consecutive parts the
// longest run of words that ends the left part and starts the right part
// (compared case- and punctuation-insensitively, at most maxWords long) is
// kept once.
func Merge(parts []string, maxWords int) string {
	var merged []string
	for _, p := range parts {
		words := strings.Fields(p)
		if len(words) == 0 {
			continue
		}
		n := overlapLen(merged, words, maxWords)
		merged = append(merged, words[n:]...)
	}
	return strings.Join(merged, " ")
}

func overlapLen(left, right []string, maxWords int) int {
	limit := min(len(left), len(right))
	if maxWords > 0 {
		limit = min(limit, maxWords)
	}
	for n := limit; n > 0; n-- {
		if sameWords(left[len(left)-n:], right[:n]) {
			return n
		}
	}
	return 0
}

func sameWords(a, b []string) bool {
	for i := range a {
		if normalize(a[i]) != normalize(b[i]) {
			return false
		}
	}
	return true
}

func normalize(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))
}
