package dataset

import (
	"github.com/lehigh-university-libraries/schematism/internal/models"
)

// Predicate decides whether an example is kept
type Predicate func(models.Example) bool

// Filter returns the examples matching keep, preserving order
func Filter(examples []models.Example, keep Predicate) []models.Example {
	out := make([]models.Example, 0, len(examples))
	for _, ex := range examples {
		if keep(ex) {
			out = append(out, ex)
		}
	}
	return out
}

// BySchematism keeps examples from the named schematisms. No names keeps all.
func BySchematism(names ...string) Predicate {
	if len(names) == 0 {
		return func(models.Example) bool { return true }
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(ex models.Example) bool {
		return set[ex.Document.Source]
	}
}

// NonEmpty keeps examples whose ground truth has at least one value
func NonEmpty() Predicate {
	return func(ex models.Example) bool {
		return !ex.Truth.IsEmpty()
	}
}

// Select returns the examples in [offset, offset+limit). A limit of zero or
// less selects everything after offset.
func Select(examples []models.Example, offset, limit int) []models.Example {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(examples) {
		return []models.Example{}
	}
	end := len(examples)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return examples[offset:end]
}
