package answer

import (
	"strings"
	"unicode"
)

const (
	// duplicateThreshold is the word-set Jaccard similarity at which two
	// questions are considered the same.
	duplicateThreshold = 0.8
	// answeredThreshold is the share of a question's keywords that recent
	// assistant messages must cover for it to count as already answered.
	answeredThreshold = 0.8
	// fallbackKeywordCap bounds naive keyword extraction.
	fallbackKeywordCap = 8
	// minQuestionWords drops fragments too short to be a real question.
	minQuestionWords = 3
)

var stopWords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "been": true, "before": true,
	"being": true, "between": true, "both": true, "could": true, "does": true, "doing": true,
	"each": true, "from": true, "have": true, "having": true, "here": true, "into": true,
	"just": true, "like": true, "more": true, "most": true, "much": true, "need": true,
	"only": true, "other": true, "over": true, "same": true, "should": true, "some": true,
	"such": true, "than": true, "that": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true, "those": true, "through": true,
	"under": true, "until": true, "very": true, "want": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "while": true, "will": true, "with": true,
	"would": true, "your": true, "yours": true, "know": true, "tell": true, "please": true,
}

// genericPhrases mark questions about presentation rather than content.
var genericPhrases = []string{
	"anything else",
	"format",
	"bullet point",
	"how should the answer",
	"how should i present",
	"what style",
	"how long should",
	"more details",
	"any other",
}

// words lowercases s and splits it on anything that is not a letter or digit.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// wordSet is the set of distinct words of s.
func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range words(s) {
		set[w] = true
	}
	return set
}

// jaccard is |A∩B| / |A∪B| over the word sets of a and b.
func jaccard(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for w := range sa {
		if sb[w] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// naiveKeywords lowercases, strips punctuation, drops stop-words and words of
// three characters or fewer, dedupes, and caps the result.
func naiveKeywords(s string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range words(s) {
		if len([]rune(w)) <= 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == limit {
			break
		}
	}
	return out
}

// coverage is the fraction of q's keywords present in text.
func coverage(q, text string) float64 {
	kws := naiveKeywords(q, 64)
	if len(kws) == 0 {
		return 0
	}
	have := wordSet(text)
	hit := 0
	for _, k := range kws {
		if have[k] {
			hit++
		}
	}
	return float64(hit) / float64(len(kws))
}

// isGeneric reports questions about formatting, catch-alls, and fragments.
func isGeneric(q string) bool {
	if len(words(q)) < minQuestionWords {
		return true
	}
	lower := strings.ToLower(q)
	for _, p := range genericPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// countSentences counts runs of text terminated by '.', '!' or '?', plus a
// trailing unterminated run.
func countSentences(s string) int {
	n := 0
	inSentence := false
	for _, r := range s {
		switch r {
		case '.', '!', '?':
			if inSentence {
				n++
				inSentence = false
			}
		default:
			if !unicode.IsSpace(r) {
				inSentence = true
			}
		}
	}
	if inSentence {
		n++
	}
	return n
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
