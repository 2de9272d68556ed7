// Package canon resolves noisy extracted strings to entries of the canonical
// vocabularies. A resolution is null, exactly one canonical value, or
// unresolved; near-ties are surfaced as unresolved rather than guessed.
package canon

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lehigh-university-libraries/schematism/internal/models"
	"github.com/lehigh-university-libraries/schematism/internal/vocab"
)

// Status of a resolved field
type Status string

const (
	StatusNull       Status = "null"
	StatusResolved   Status = "resolved"
	StatusUnresolved Status = "unresolved"
)

// Reason explains an unresolved outcome
type Reason string

const (
	ReasonBelowThreshold   Reason = "below_threshold"
	ReasonAmbiguous        Reason = "ambiguous"
	ReasonParentUnresolved Reason = "parent_unresolved"
	ReasonNoCandidates     Reason = "no_candidates"
)

// MappingError means a field cannot be canonicalized at all because it has no
// declared vocabulary. It is a configuration defect, unlike StatusUnresolved.
type MappingError struct {
	Field string
	Cause error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("cannot map field %s: %v", e.Field, e.Cause)
}

func (e *MappingError) Unwrap() error {
	return e.Cause
}

// Resolved is the outcome of canonicalizing one raw value.
type Resolved struct {
	Field         string  `json:"field" yaml:"field"`
	Raw           string  `json:"raw,omitempty" yaml:"raw,omitempty"`
	Status        Status  `json:"status" yaml:"status"`
	Value         string  `json:"value,omitempty" yaml:"value,omitempty"`
	Score         float64 `json:"score,omitempty" yaml:"score,omitempty"`
	RunnerUp      string  `json:"runner_up,omitempty" yaml:"runnerup,omitempty"`
	RunnerUpScore float64 `json:"runner_up_score,omitempty" yaml:"runnerupscore,omitempty"`
	Reason        Reason  `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// IsNull reports whether nothing was extracted
func (r Resolved) IsNull() bool { return r.Status == StatusNull }

// IsResolved reports whether exactly one canonical value was chosen
func (r Resolved) IsResolved() bool { return r.Status == StatusResolved }

// IsUnresolved reports whether a value was extracted but not canonicalized
func (r Resolved) IsUnresolved() bool { return r.Status == StatusUnresolved }

// Null returns the null resolution for field
func Null(field string) Resolved {
	return Resolved{Field: field, Status: StatusNull}
}

// Literal returns a resolution that carries the raw value as-is, for fields
// compared without a vocabulary.
func Literal(field, raw string) Resolved {
	if Normalize(raw) == "" {
		return Null(field)
	}
	return Resolved{Field: field, Raw: raw, Status: StatusResolved, Value: raw, Score: 1}
}

// Thresholds are the acceptance rules for one field
type Thresholds struct {
	Threshold float64
	Margin    float64
}

// Mapper resolves raw strings against a vocabulary store. It holds no mutable
// state and is safe for concurrent use.
type Mapper struct {
	store       *vocab.Store
	defaults    Thresholds
	perField    map[string]Thresholds
	tokenBonus  float64
	containment map[string]bool
}

// Option configures a Mapper
type Option func(*Mapper)

// WithThreshold sets the default acceptance threshold; the best score must be
// strictly above it.
func WithThreshold(t float64) Option {
	return func(m *Mapper) { m.defaults.Threshold = t }
}

// WithMargin sets the default minimum lead of the best candidate over the
// runner-up.
func WithMargin(margin float64) Option {
	return func(m *Mapper) { m.defaults.Margin = margin }
}

// WithTokenBonus sets the weight of token-set overlap in the similarity score.
func WithTokenBonus(b float64) Option {
	return func(m *Mapper) { m.tokenBonus = b }
}

// WithFieldThresholds overrides threshold and margin for one field.
func WithFieldThresholds(field string, t Thresholds) Option {
	return func(m *Mapper) { m.perField[field] = t }
}

// WithContainment sets the fields where a raw value that contains exactly one
// entry's label as a run of whole tokens resolves to that entry before fuzzy
// scoring. No fields disables it.
func WithContainment(fields ...string) Option {
	return func(m *Mapper) {
		m.containment = make(map[string]bool, len(fields))
		for _, f := range fields {
			m.containment[f] = true
		}
	}
}

// NewMapper returns a mapper over store. Defaults: threshold 0.80, margin 0.05,
// token bonus 0.15, containment for dedication.
func NewMapper(store *vocab.Store, opts ...Option) *Mapper {
	m := &Mapper{
		store:       store,
		defaults:    Thresholds{Threshold: 0.80, Margin: 0.05},
		perField:    make(map[string]Thresholds),
		tokenBonus:  0.15,
		containment: map[string]bool{models.FieldDedication: true},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying vocabulary store
func (m *Mapper) Store() *vocab.Store {
	return m.store
}

func (m *Mapper) thresholds(field string) Thresholds {
	if t, ok := m.perField[field]; ok {
		return t
	}
	return m.defaults
}

type candidate struct {
	value string
	score float64
	exact bool
}

// Resolve canonicalizes raw for field. parent is the resolution of the
// field's declared parent, or nil when the field is flat or the parent was not
// resolved at all. An unresolved parent makes the field unresolved, except that
// an empty raw value is always null.
func (m *Mapper) Resolve(field, raw string, parent *Resolved) (Resolved, error) {
	if !m.store.Has(field) {
		return Resolved{}, &MappingError{Field: field, Cause: vocab.ErrUnknownField}
	}

	normalized := Normalize(raw)
	if normalized == "" {
		return Null(field), nil
	}

	out := Resolved{Field: field, Raw: raw, Status: StatusUnresolved}

	entries, err := m.candidates(field, parent)
	if err != nil {
		return Resolved{}, err
	}
	if entries == nil && parent != nil && parent.IsUnresolved() {
		out.Reason = ReasonParentUnresolved
		return out, nil
	}
	if len(entries) == 0 {
		out.Reason = ReasonNoCandidates
		return out, nil
	}

	scored := m.score(normalized, entries)
	best := scored[0]
	out.Score = best.score
	if len(scored) > 1 {
		out.RunnerUp = scored[1].value
		out.RunnerUpScore = scored[1].score
	}

	if best.exact {
		if len(scored) > 1 && scored[1].exact {
			out.Reason = ReasonAmbiguous
			slog.Debug("Ambiguous exact match", "field", field, "raw", raw, "a", best.value, "b", scored[1].value)
			return out, nil
		}
		out.Status = StatusResolved
		out.Value = best.value
		return out, nil
	}

	if m.containment[field] {
		contained := containedEntries(normalized, entries)
		switch {
		case len(contained) == 1:
			out.Status = StatusResolved
			out.Value = contained[0]
			for _, c := range scored {
				if c.value == contained[0] {
					out.Score = c.score
				}
			}
			return out, nil
		case len(contained) > 1:
			out.Reason = ReasonAmbiguous
			slog.Debug("Ambiguous containment match", "field", field, "raw", raw, "entries", contained)
			return out, nil
		}
	}

	th := m.thresholds(field)
	if best.score <= th.Threshold {
		out.Reason = ReasonBelowThreshold
		return out, nil
	}
	if len(scored) > 1 && best.score-scored[1].score <= th.Margin {
		out.Reason = ReasonAmbiguous
		slog.Debug("Ambiguous fuzzy match", "field", field, "raw", raw,
			"best", best.value, "best_score", best.score,
			"runner_up", scored[1].value, "runner_up_score", scored[1].score)
		return out, nil
	}

	out.Status = StatusResolved
	out.Value = best.value
	return out, nil
}

// candidates returns the entries to score. A nil slice with an unresolved
// parent signals propagated ambiguity.
func (m *Mapper) candidates(field string, parent *Resolved) ([]vocab.Entry, error) {
	_, hierarchical := m.store.Parent(field)

	if parent == nil || parent.IsNull() {
		entries, err := m.store.Lookup(field)
		if err != nil {
			return nil, &MappingError{Field: field, Cause: err}
		}
		return entries, nil
	}

	if !hierarchical {
		return nil, &MappingError{Field: field, Cause: fmt.Errorf("%w: got parent %s", vocab.ErrNoParent, parent.Field)}
	}
	if parent.IsUnresolved() {
		return nil, nil
	}

	entries, err := m.store.LookupScoped(field, parent.Value)
	if err != nil {
		return nil, &MappingError{Field: field, Cause: err}
	}
	if entries == nil {
		entries = []vocab.Entry{}
	}
	return entries, nil
}

// score returns one candidate per entry, best first. An entry scores as its
// best-matching label (value or variant).
func (m *Mapper) score(normalized string, entries []vocab.Entry) []candidate {
	out := make([]candidate, 0, len(entries))
	for _, e := range entries {
		c := candidate{value: e.Value}
		for _, label := range e.Labels() {
			nl := Normalize(label)
			if nl == normalized {
				c.exact = true
				c.score = 1
				break
			}
			if s := Similarity(normalized, nl, m.tokenBonus); s > c.score {
				c.score = s
			}
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].exact != out[j].exact {
			return out[i].exact
		}
		return out[i].score > out[j].score
	})
	return out
}

// containedEntries returns the entries with a label whose tokens appear as a
// contiguous run in normalized.
func containedEntries(normalized string, entries []vocab.Entry) []string {
	text := tokens(normalized)
	var out []string
	for _, e := range entries {
		for _, label := range e.Labels() {
			if containsRun(text, tokens(Normalize(label))) {
				out = append(out, e.Value)
				break
			}
		}
	}
	return out
}

func containsRun(text, run []string) bool {
	if len(run) == 0 || len(run) > len(text) {
		return false
	}
	for i := 0; i+len(run) <= len(text); i++ {
		match := true
		for j, tok := range run {
			if text[i+j] != tok {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ResolveAll canonicalizes raw values for fields, parents before children, so
// every hierarchical field is scoped by its parent's resolution. Missing or
// nil raw values resolve to null.
func (m *Mapper) ResolveAll(raw map[string]*string, fields []string) (map[string]Resolved, error) {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !m.store.Has(f) {
			return nil, &MappingError{Field: f, Cause: vocab.ErrUnknownField}
		}
		want[f] = true
	}

	out := make(map[string]Resolved, len(fields))
	for _, f := range m.store.Fields() {
		needed := want[f] || m.isAncestorOfWanted(f, want)
		if !needed {
			continue
		}

		var parent *Resolved
		if p, ok := m.store.Parent(f); ok {
			if pr, done := out[p]; done {
				parent = &pr
			}
		}

		value := ""
		if v := raw[f]; v != nil {
			value = *v
		}

		r, err := m.Resolve(f, value, parent)
		if err != nil {
			return nil, err
		}
		out[f] = r
	}

	for f := range out {
		if !want[f] {
			delete(out, f)
		}
	}
	return out, nil
}

func (m *Mapper) isAncestorOfWanted(field string, want map[string]bool) bool {
	for f := range want {
		cur := f
		for {
			p, ok := m.store.Parent(cur)
			if !ok {
				break
			}
			if p == field {
				return true
			}
			cur = p
		}
	}
	return false
}

// IsMappingError reports whether err is a MappingError
func IsMappingError(err error) bool {
	var me *MappingError
	return errors.As(err, &me)
}
