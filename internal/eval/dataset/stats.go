package dataset

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/lehigh-university-libraries/schematism/internal/models"
)

// SchematismStats counts the documents of one schematism
type SchematismStats struct {
	Positive       int `json:"positive" yaml:"positive"`
	Negative       int `json:"negative" yaml:"negative"`
	PageNumberOnly int `json:"page_number_only" yaml:"pagenumberonly"`
}

// Stats describes the class balance of a dataset
type Stats struct {
	Total               int                         `json:"total" yaml:"total"`
	Positive            int                         `json:"positive" yaml:"positive"`
	Negative            int                         `json:"negative" yaml:"negative"`
	NegativeRatio       *float64                    `json:"neg_to_pos_ratio" yaml:"negtoposratio"`
	PageNumberOnly      int                         `json:"page_number_only" yaml:"pagenumberonly"`
	PageNumberOnlyRatio *float64                    `json:"page_number_only_ratio" yaml:"pagenumberonlyratio"`
	TagIssues           int                         `json:"tag_issues" yaml:"tagissues"`
	MultiEntryPages     int                         `json:"multi_entry_pages" yaml:"multientrypages"`
	UnscoredEntries     int                         `json:"unscored_entries" yaml:"unscoredentries"`
	Schematisms         map[string]*SchematismStats `json:"schematisms" yaml:"schematisms"`
}

// ComputeStats counts positive documents (any entity), negative documents
// (none) and documents whose only entity is the page number. Labelled tokens
// decide when present; otherwise the ground truth does.
func ComputeStats(examples []models.Example) Stats {
	s := Stats{Total: len(examples), Schematisms: make(map[string]*SchematismStats)}

	for _, ex := range examples {
		src, ok := s.Schematisms[ex.Document.Source]
		if !ok {
			src = &SchematismStats{}
			s.Schematisms[ex.Document.Source] = src
		}

		positive, pageOnly := classify(ex)
		if positive {
			src.Positive++
			s.Positive++
		} else {
			src.Negative++
			s.Negative++
		}
		if pageOnly {
			src.PageNumberOnly++
			s.PageNumberOnly++
		}

		labels := make([]string, 0, len(ex.Document.Tokens))
		for _, t := range ex.Document.Tokens {
			if t.Label != "" {
				labels = append(labels, t.Label)
			}
		}
		s.TagIssues += len(ValidateTags(labels))

		if ex.Truth.ExtraEntries > 0 {
			s.MultiEntryPages++
			s.UnscoredEntries += ex.Truth.ExtraEntries
		}
	}

	if s.Positive > 0 {
		r := float64(s.Negative) / float64(s.Positive)
		s.NegativeRatio = &r
	}
	if s.Total > 0 {
		r := float64(s.PageNumberOnly) / float64(s.Total)
		s.PageNumberOnlyRatio = &r
	}
	return s
}

func classify(ex models.Example) (positive, pageOnly bool) {
	labelled := false
	pageOnly = true
	for _, t := range ex.Document.Tokens {
		if t.Label == "" {
			continue
		}
		labelled = true
		if t.Label == models.OutsideTag {
			continue
		}
		positive = true
		if _, field := models.ParseTag(t.Label); field != models.FieldPageNumber {
			pageOnly = false
		}
	}
	if labelled {
		return positive, pageOnly
	}
	return !ex.Truth.IsEmpty(), ex.Truth.HasOnly(models.FieldPageNumber)
}

// ValidateTags reports malformed tags and I- tags that do not continue a
// span of the same type.
func ValidateTags(tags []string) []string {
	var issues []string
	prevField := ""
	for i, tag := range tags {
		if tag == models.OutsideTag {
			prevField = ""
			continue
		}
		prefix, field := models.ParseTag(tag)
		if prefix == "" {
			issues = append(issues, fmt.Sprintf("position %d: invalid tag %q", i, tag))
			prevField = ""
			continue
		}
		if prefix == "I" && prevField != field {
			if prevField == "" {
				issues = append(issues, fmt.Sprintf("position %d: %q does not continue a span", i, tag))
			} else {
				issues = append(issues, fmt.Sprintf("position %d: %q follows a %s span", i, tag, prevField))
			}
		}
		prevField = field
	}
	return issues
}

// Print writes a per-schematism table of the statistics
func (s Stats) Print(w io.Writer) {
	names := make([]string, 0, len(s.Schematisms))
	for name := range s.Schematisms {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, strings.Repeat("-", 70))
	fmt.Fprintf(w, "%-30s %10s %10s %16s\n", "SCHEMATISM", "POSITIVE", "NEGATIVE", "PAGE NUMBER ONLY")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, name := range names {
		st := s.Schematisms[name]
		label := name
		if label == "" {
			label = "(unknown)"
		}
		fmt.Fprintf(w, "%-30s %10d %10d %16d\n", label, st.Positive, st.Negative, st.PageNumberOnly)
	}
	fmt.Fprintln(w, strings.Repeat("-", 70))
	fmt.Fprintf(w, "%-30s %10d %10d %16d\n", "TOTAL", s.Positive, s.Negative, s.PageNumberOnly)
	fmt.Fprintln(w)
	if s.NegativeRatio != nil {
		fmt.Fprintf(w, "Negative to positive ratio: %.2f\n", *s.NegativeRatio)
	}
	if s.PageNumberOnlyRatio != nil {
		fmt.Fprintf(w, "Page number only: %.2f%%\n", *s.PageNumberOnlyRatio*100)
	}
	fmt.Fprintf(w, "BIO tag issues: %d\n", s.TagIssues)
	if s.MultiEntryPages > 0 {
		fmt.Fprintf(w, "Multi-entry pages: %d (%d entries beyond the first are not scored)\n", s.MultiEntryPages, s.UnscoredEntries)
	}
}
