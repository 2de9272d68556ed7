package extract

import (
	"strings"

	"github.com/lehigh-university-libraries/schematism/internal/models"
)

// AnomalyPenalty scales the confidence of spans opened by a stray I- tag
const AnomalyPenalty = 0.5

// Tagged is one token with its predicted BIO tag
type Tagged struct {
	Token      models.Token
	Tag        string
	Confidence float64
}

// Span is a run of tokens labelled with the same entity type
type Span struct {
	Field      string  `json:"field" yaml:"field"`
	Text       string  `json:"text" yaml:"text"`
	First      int     `json:"first" yaml:"first"` // token index, inclusive
	Last       int     `json:"last" yaml:"last"`   // token index, inclusive
	Confidence float64 `json:"confidence" yaml:"confidence"`
	Anomalous  bool    `json:"anomalous,omitempty" yaml:"anomalous,omitempty"`
}

// DecodeBIO groups tagged tokens into spans. B- starts a span and I- of the
// same type continues it. An I- with no open span of its type starts a new
// span flagged anomalous with penalized confidence. O and malformed tags
// close the open span. Span text is cut from text using token offsets when
// they are usable, and is otherwise the token words joined by spaces.
func DecodeBIO(tagged []Tagged, text string) []Span {
	var spans []Span
	var open *Span

	closeSpan := func() {
		if open == nil {
			return
		}
		open.Text = spanText(tagged[open.First:open.Last+1], text)
		if open.Anomalous {
			open.Confidence *= AnomalyPenalty
		}
		spans = append(spans, *open)
		open = nil
	}

	for i, t := range tagged {
		prefix, field := models.ParseTag(t.Tag)
		switch {
		case prefix == "":
			closeSpan()
		case prefix == "I" && open != nil && open.Field == field:
			open.Last = i
			if t.Confidence < open.Confidence {
				open.Confidence = t.Confidence
			}
		default:
			closeSpan()
			open = &Span{
				Field:      field,
				First:      i,
				Last:       i,
				Confidence: t.Confidence,
				Anomalous:  prefix == "I",
			}
		}
	}
	closeSpan()

	return spans
}

func spanText(tokens []Tagged, text string) string {
	first, last := tokens[0].Token, tokens[len(tokens)-1].Token
	if first.Start >= 0 && last.End <= len(text) && first.Start < last.End {
		offsetsOK := true
		for i := 1; i < len(tokens); i++ {
			if tokens[i].Token.Start < tokens[i-1].Token.End {
				offsetsOK = false
				break
			}
		}
		if offsetsOK {
			return strings.TrimSpace(text[first.Start:last.End])
		}
	}

	words := make([]string, 0, len(tokens))
	for _, t := range tokens {
		words = append(words, t.Token.Text)
	}
	return strings.Join(words, " ")
}

// BestSpans picks, per field, the span with the highest confidence. Ties go
// to the earlier span.
func BestSpans(spans []Span) map[string]Span {
	best := make(map[string]Span)
	for _, s := range spans {
		if cur, ok := best[s.Field]; !ok || s.Confidence > cur.Confidence {
			best[s.Field] = s
		}
	}
	return best
}
