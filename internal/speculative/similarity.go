package speculative

import (
	"strings"
	"unicode"
)

// normalizeWords lowercases s and splits it into words, dropping
// punctuation.
func normalizeWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

// Similarity is the word-level edit similarity of a and b in [0, 1]:
// one minus the word edit distance over the longer length.
func Similarity(a, b string) float64 {
	wa, wb := normalizeWords(a), normalizeWords(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	longest := len(wa)
	if len(wb) > longest {
		longest = len(wb)
	}

	prev := make([]int, len(wb)+1)
	cur := make([]int, len(wb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(wa); i++ {
		cur[0] = i
		for j := 1; j <= len(wb); j++ {
			cost := 1
			if wa[i-1] == wb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return 1 - float64(prev[len(wb)])/float64(longest)
}

func sameText(a, b string) bool {
	return strings.Join(normalizeWords(a), " ") == strings.Join(normalizeWords(b), " ")
}
