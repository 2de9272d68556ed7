package canon

import (
	"sort"
	"strings"
)

// Similarity scores two normalized strings in [0, 1]. The base is one minus
// the edit distance over the longer length, taken on the strings as written or
// with their tokens sorted, whichever is higher, so reordered parish names
// still match. tokenBonus times the Jaccard overlap of the token sets is added
// and the result capped at 1.
func Similarity(a, b string, tokenBonus float64) float64 {
	if a == b {
		return 1
	}
	base := max(editSimilarity(a, b), editSimilarity(sortedTokens(a), sortedTokens(b)))
	score := base + tokenBonus*tokenOverlap(a, b)
	if score > 1 {
		return 1
	}
	return score
}

func sortedTokens(s string) string {
	t := tokens(s)
	sort.Strings(t)
	return strings.Join(t, " ")
}

func editSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(maxLen)
}

func tokenOverlap(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(tb))
	for _, t := range tb {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// levenshtein computes the edit distance over runes with two rolling rows.
func levenshtein(s1, s2 []rune) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(s2)]
}
