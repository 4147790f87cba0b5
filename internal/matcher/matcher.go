// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package matcher scores how likely two manga titles describe the same series.
package matcher

import (
	"strings"
	"unicode"
)

// DefaultThreshold is the minimum similarity score for two titles to be
// considered the same series.
const DefaultThreshold = 0.85

// Normalize lowercases a title and strips every rune that is not a letter,
// digit or whitespace, so that punctuation differences between sources
// ("Solo Leveling!!" vs "Solo Leveling") don't affect scoring.
func Normalize(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Similarity returns a score in [0,1] for two titles: 1.0 for identical
// normalized strings, 0.0 for fully disjoint ones. The score is the
// matching-blocks ratio 2*M/(len(a)+len(b)), where M sums the lengths of the
// recursively longest common substrings. Symmetric in its arguments.
func Similarity(a, b string) float64 {
	ra := []rune(Normalize(a))
	rb := []rune(Normalize(b))

	if len(ra) == 0 && len(rb) == 0 {
		return 1.0
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}

	matched := matchedLen(ra, rb)
	return 2.0 * float64(matched) / float64(len(ra)+len(rb))
}

// matchedLen recursively accumulates the longest common substring length on
// both sides of each match, mirroring difflib-style matching blocks.
func matchedLen(a, b []rune) int {
	ai, bi, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	return size + matchedLen(a[:ai], b[:bi]) + matchedLen(a[ai+size:], b[bi+size:])
}

func longestCommonSubstring(a, b []rune) (ai, bi, size int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}

	// prev[j] = length of the common suffix of a[:i] and b[:j]
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > size {
					size = curr[j]
					ai = i - size
					bi = j - size
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}

	return ai, bi, size
}

// BestMatch returns the index of the candidate most similar to target,
// together with its score. A candidate only wins if its score is strictly
// greater than the previous best and at least threshold, so ties resolve to
// the first candidate seen. Returns ok=false when nothing clears the
// threshold.
func BestMatch(target string, candidates []string, threshold float64) (int, float64, bool) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	best := -1
	bestScore := 0.0
	for i, candidate := range candidates {
		score := Similarity(target, candidate)
		if score > bestScore && score >= threshold {
			best = i
			bestScore = score
		}
	}

	if best < 0 {
		return 0, 0, false
	}
	return best, bestScore, true
}
