// Package vocab holds the canonical reference lists that extracted values are
// resolved against. Lists are ordered, and a field may be scoped by a declared
// parent field (diocese, then deanery, then parish).
package vocab

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoParent is returned when a scoped lookup names a field that has no
// declared parent relation.
var ErrNoParent = errors.New("field has no declared parent")

// ErrUnknownField is returned when a lookup names a field without a list.
var ErrUnknownField = errors.New("field has no vocabulary")

// LoadError reports a vocabulary that cannot be used.
type LoadError struct {
	Path   string
	Field  string
	Reason string
	Cause  error
}

func (e *LoadError) Error() string {
	msg := "vocabulary load failed"
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Entry is one canonical value with the textual variants that denote it.
type Entry struct {
	Value    string   `yaml:"value" json:"value"`
	Variants []string `yaml:"variants,omitempty" json:"variants,omitempty"`
}

// UnmarshalYAML accepts either a mapping or a bare string.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Value = node.Value
		return nil
	}
	type plain Entry
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = Entry(p)
	return nil
}

// Labels returns the value followed by its variants.
func (e Entry) Labels() []string {
	return append([]string{e.Value}, e.Variants...)
}

// Scope is the list of entries valid under one parent value.
type Scope struct {
	Parent  string
	Entries []Entry
}

// List is the definition of one field's vocabulary.
type List struct {
	Field   string
	Parent  string
	Entries []Entry // flat fields
	Scopes  []Scope // hierarchical fields
}

type fieldList struct {
	List
	byParent map[string][]Entry
	all      []Entry
}

// Store is an immutable set of vocabularies, safe for concurrent readers.
type Store struct {
	lists map[string]*fieldList
	order []string
}

// Load reads a vocabulary YAML file and checks that every required field has
// a list.
func Load(path string, required []string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "cannot read file", Cause: err}
	}

	store, err := Parse(data, required)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) && le.Path == "" {
			le.Path = path
		}
		return nil, err
	}

	slog.Debug("Vocabulary loaded", "path", path, "fields", store.order)
	return store, nil
}

// Parse decodes vocabulary YAML.
func Parse(data []byte, required []string) (*Store, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &LoadError{Reason: "invalid YAML", Cause: err}
	}
	return New(doc.lists(), required)
}

// New builds a store from list definitions. Lists are validated: entries are
// unique within a scope, parents exist and form no cycle, scope keys are
// values of the parent field, and every required field is present.
func New(lists []List, required []string) (*Store, error) {
	s := &Store{lists: make(map[string]*fieldList, len(lists))}

	for _, l := range lists {
		if l.Field == "" {
			return nil, &LoadError{Reason: "list without a field name"}
		}
		if _, dup := s.lists[l.Field]; dup {
			return nil, &LoadError{Field: l.Field, Reason: "declared twice"}
		}
		if l.Parent == "" && len(l.Scopes) > 0 {
			return nil, &LoadError{Field: l.Field, Reason: "scoped entries without a parent declaration"}
		}
		if l.Parent != "" && len(l.Entries) > 0 {
			return nil, &LoadError{Field: l.Field, Reason: "hierarchical field must list entries under scopes"}
		}

		fl := &fieldList{List: l, byParent: make(map[string][]Entry)}
		if l.Parent == "" {
			if err := checkUnique(l.Field, "", l.Entries); err != nil {
				return nil, err
			}
			fl.all = l.Entries
		} else {
			for _, sc := range l.Scopes {
				if _, dup := fl.byParent[sc.Parent]; dup {
					return nil, &LoadError{Field: l.Field, Reason: fmt.Sprintf("scope %q declared twice", sc.Parent)}
				}
				if err := checkUnique(l.Field, sc.Parent, sc.Entries); err != nil {
					return nil, err
				}
				fl.byParent[sc.Parent] = sc.Entries
				fl.all = append(fl.all, sc.Entries...)
			}
		}

		s.lists[l.Field] = fl
		s.order = append(s.order, l.Field)
	}

	for _, name := range s.order {
		fl := s.lists[name]
		if fl.Parent == "" {
			continue
		}
		parent, ok := s.lists[fl.Parent]
		if !ok {
			return nil, &LoadError{Field: name, Reason: fmt.Sprintf("parent field %q has no vocabulary", fl.Parent)}
		}
		if err := s.checkAcyclic(name); err != nil {
			return nil, err
		}
		known := make(map[string]bool, len(parent.all))
		for _, e := range parent.all {
			known[e.Value] = true
		}
		for _, sc := range fl.Scopes {
			if !known[sc.Parent] {
				return nil, &LoadError{Field: name, Reason: fmt.Sprintf("scope %q is not a %s value", sc.Parent, fl.Parent)}
			}
		}
	}

	for _, f := range required {
		if _, ok := s.lists[f]; !ok {
			return nil, &LoadError{Field: f, Reason: "required list is missing"}
		}
	}

	s.order = s.hierarchyOrder()
	return s, nil
}

func checkUnique(field, scope string, entries []Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		key := strings.ToLower(strings.TrimSpace(e.Value))
		if key == "" {
			return &LoadError{Field: field, Reason: "empty entry"}
		}
		if seen[key] {
			where := ""
			if scope != "" {
				where = fmt.Sprintf(" in scope %q", scope)
			}
			return &LoadError{Field: field, Reason: fmt.Sprintf("duplicate entry %q%s", e.Value, where)}
		}
		seen[key] = true
	}
	return nil
}

func (s *Store) checkAcyclic(field string) error {
	seen := map[string]bool{field: true}
	cur := s.lists[field].Parent
	for cur != "" {
		if seen[cur] {
			return &LoadError{Field: field, Reason: "cyclic parent declaration"}
		}
		seen[cur] = true
		next, ok := s.lists[cur]
		if !ok {
			return nil
		}
		cur = next.Parent
	}
	return nil
}

// hierarchyOrder lists parents before children, otherwise keeping
// declaration order.
func (s *Store) hierarchyOrder() []string {
	out := make([]string, 0, len(s.order))
	placed := make(map[string]bool, len(s.order))
	var place func(string)
	place = func(name string) {
		if placed[name] {
			return
		}
		if p := s.lists[name].Parent; p != "" {
			place(p)
		}
		placed[name] = true
		out = append(out, name)
	}
	for _, name := range s.order {
		place(name)
	}
	return out
}

// Fields returns the fields with a vocabulary, parents before children.
func (s *Store) Fields() []string {
	return append([]string(nil), s.order...)
}

// Has reports whether field has a vocabulary.
func (s *Store) Has(field string) bool {
	_, ok := s.lists[field]
	return ok
}

// Parent returns the declared parent of field.
func (s *Store) Parent(field string) (string, bool) {
	fl, ok := s.lists[field]
	if !ok || fl.Parent == "" {
		return "", false
	}
	return fl.Parent, true
}

// Lookup returns every entry of field in order. For a hierarchical field this
// is the concatenation of all scopes.
func (s *Store) Lookup(field string) ([]Entry, error) {
	fl, ok := s.lists[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return fl.all, nil
}

// LookupScoped returns the entries of field valid under the given parent
// value. An unknown parent value yields no entries.
func (s *Store) LookupScoped(field, parent string) ([]Entry, error) {
	fl, ok := s.lists[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	if fl.Parent == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoParent, field)
	}
	return fl.byParent[parent], nil
}

// Values returns the canonical strings of entries.
func Values(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}
