package models

import (
	"sort"
	"strings"
)

// Field names recorded for each parish entry
const (
	FieldPageNumber       = "page_number"
	FieldDiocese          = "diocese"
	FieldDeanery          = "deanery"
	FieldParish           = "parish"
	FieldDedication       = "dedication"
	FieldObjectType       = "object_type"
	FieldBuildingMaterial = "building_material"
)

// DefaultFields is the evaluated field set in hierarchy order
var DefaultFields = []string{
	FieldPageNumber,
	FieldDiocese,
	FieldDeanery,
	FieldParish,
	FieldDedication,
	FieldObjectType,
	FieldBuildingMaterial,
}

// OutsideTag marks tokens that belong to no entity
const OutsideTag = "O"

// ParseTag splits a BIO tag into its prefix ("B" or "I") and entity type.
// Outside and malformed tags return an empty prefix.
func ParseTag(tag string) (prefix, field string) {
	p, f, ok := strings.Cut(tag, "-")
	if !ok || f == "" || (p != "B" && p != "I") {
		return "", ""
	}
	return p, f
}

// Token is one OCR word with its layout box and, when annotated, its BIO label
type Token struct {
	Text  string `json:"text"`
	BBox  [4]int `json:"bbox"`  // x0, y0, x1, y1 on a 0-1000 grid
	Start int    `json:"start"` // byte offset into Document.Text, -1 when unknown
	End   int    `json:"end"`
	Label string `json:"label,omitempty"`
}

// Document is one OCR'd schematism page
type Document struct {
	ID     string  `json:"id"`
	Source string  `json:"source"` // schematism name
	Text   string  `json:"text"`
	Tokens []Token `json:"tokens,omitempty"`
}

// LayoutText returns the OCR text, rebuilding it from tokens in reading order
// (top to bottom, then left to right) when the raw text is empty.
func (d *Document) LayoutText() string {
	if strings.TrimSpace(d.Text) != "" || len(d.Tokens) == 0 {
		return d.Text
	}

	ordered := SortByLayout(d.Tokens)
	words := make([]string, 0, len(ordered))
	for _, t := range ordered {
		words = append(words, t.Text)
	}
	return strings.Join(words, " ")
}

// SortByLayout returns a copy of tokens ordered by the top edge and then the
// left edge of their boxes.
func SortByLayout(tokens []Token) []Token {
	out := make([]Token, len(tokens))
	copy(out, tokens)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BBox[1] != out[j].BBox[1] {
			return out[i].BBox[1] < out[j].BBox[1]
		}
		return out[i].BBox[0] < out[j].BBox[0]
	})
	return out
}

// AnnotatedRecord is the hand-made ground truth for one document.
// A nil value means the field is absent from the page.
type AnnotatedRecord struct {
	Fields map[string]*string `json:"fields"`

	// ExtraEntries counts page entries beyond the first, which are not scored
	ExtraEntries int `json:"extra_entries,omitempty"`
}

// Value returns the ground truth for a field, or nil
func (r AnnotatedRecord) Value(field string) *string {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[field]
}

// IsEmpty reports whether no field carries a value
func (r AnnotatedRecord) IsEmpty() bool {
	for _, v := range r.Fields {
		if v != nil && *v != "" {
			return false
		}
	}
	return true
}

// HasOnly reports whether every non-null field is in the given set
func (r AnnotatedRecord) HasOnly(fields ...string) bool {
	allowed := make(map[string]bool, len(fields))
	for _, f := range fields {
		allowed[f] = true
	}
	for name, v := range r.Fields {
		if v != nil && *v != "" && !allowed[name] {
			return false
		}
	}
	return true
}

// Example pairs a document with its annotation
type Example struct {
	Document Document        `json:"document"`
	Truth    AnnotatedRecord `json:"truth"`
}

// Ptr returns a pointer to s
func Ptr(s string) *string {
	return &s
}

// Unavailable is the annotators' marker for information absent from the page
const Unavailable = "[brak_informacji]"

// CleanValue trims s and returns nil when it is empty, a null literal or the
// unavailable marker.
func CleanValue(s string) *string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "null", "none", "n/a", Unavailable:
		return nil
	}
	return &s
}
