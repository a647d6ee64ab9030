package schema

import (
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

// english is the shared stopword checker. MustGet panics only on an
// unknown language code, so initializing at package load is safe.
var english = stopwords.MustGet("en")

// minKeywordLen filters noise tokens ("a", "is", "$5").
const minKeywordLen = 3

// NormalizeKeywords derives the normalized keyword set for a piece of
// content: lowercase, edge punctuation trimmed, tokens shorter than three
// characters and English stopwords dropped, order of first appearance
// preserved, duplicates removed.
//
// Both ingestion (dedup via Jaccard) and retrieval (seed search) must use
// this same function so that their term spaces agree.
func NormalizeKeywords(text string) []string {
	words := strings.Fields(text)
	seen := make(map[string]bool, len(words))
	keywords := make([]string, 0, len(words))

	for _, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(trimmed) < minKeywordLen {
			continue
		}
		lower := strings.ToLower(trimmed)
		if english.Contains(lower) {
			continue
		}
		if seen[lower] {
			continue
		}
		seen[lower] = true
		keywords = append(keywords, lower)
	}
	return keywords
}

// EstimateTokens estimates the LLM token cost of text.
// Simple estimate: ~4 chars per token.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// Jaccard computes the Jaccard similarity (intersection over union) of
// two keyword sets. Returns 0.0 when both sets are empty.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.0
	}

	setA := make(map[string]bool, len(a))
	for _, w := range a {
		setA[w] = true
	}
	setB := make(map[string]bool, len(b))
	for _, w := range b {
		setB[w] = true
	}

	intersection := 0
	for w := range setB {
		if setA[w] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}
