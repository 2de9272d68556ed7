package vocab

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// document is the on-disk layout:
//
//	fields:
//	  diocese:
//	    entries:
//	      - value: Diocese of Włocławek
//	        variants: [diecezja włocławska]
//	  deanery:
//	    parent: diocese
//	    scopes:
//	      Diocese of Włocławek:
//	        - value: Deanery of Kalisz
//	          variants: [dekanat kaliski]
type document struct {
	Fields orderedFields `yaml:"fields"`
}

type fieldDef struct {
	Parent  string       `yaml:"parent,omitempty"`
	Entries []Entry      `yaml:"entries,omitempty"`
	Scopes  orderedScope `yaml:"scopes,omitempty"`
}

type namedField struct {
	name string
	def  fieldDef
}

// orderedFields keeps the declaration order of the fields mapping.
type orderedFields []namedField

func (o *orderedFields) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: fields must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var def fieldDef
		if err := node.Content[i+1].Decode(&def); err != nil {
			return fmt.Errorf("field %s: %w", node.Content[i].Value, err)
		}
		*o = append(*o, namedField{name: node.Content[i].Value, def: def})
	}
	return nil
}

// orderedScope keeps the declaration order of the scopes mapping.
type orderedScope []Scope

func (o *orderedScope) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: scopes must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var entries []Entry
		if err := node.Content[i+1].Decode(&entries); err != nil {
			return fmt.Errorf("scope %s: %w", node.Content[i].Value, err)
		}
		*o = append(*o, Scope{Parent: node.Content[i].Value, Entries: entries})
	}
	return nil
}

func (d document) lists() []List {
	out := make([]List, 0, len(d.Fields))
	for _, f := range d.Fields {
		out = append(out, List{
			Field:   f.name,
			Parent:  f.def.Parent,
			Entries: f.def.Entries,
			Scopes:  []Scope(f.def.Scopes),
		})
	}
	return out
}
