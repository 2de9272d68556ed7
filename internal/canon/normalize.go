package canon

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// letters that carry a stroke rather than a combining mark, so NFD leaves
// them intact
var strokeLetters = map[rune]rune{
	'ł': 'l', 'Ł': 'L',
	'đ': 'd', 'Đ': 'D',
	'ø': 'o', 'Ø': 'O',
	'ħ': 'h', 'Ħ': 'H',
}

// Normalize case-folds s, strips diacritics, collapses whitespace and drops
// trailing punctuation.
func Normalize(s string) string {
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Map(func(r rune) rune {
			if m, ok := strokeLetters[r]; ok {
				return m
			}
			return r
		}),
		norm.NFC,
	)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	folded := cases.Fold().String(stripped)
	folded = strings.Join(strings.Fields(folded), " ")
	folded = strings.TrimRightFunc(folded, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return folded
}

// tokens splits a normalized string on anything that is not a letter or digit.
func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
