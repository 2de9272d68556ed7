package dataset

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lehigh-university-libraries/schematism/internal/models"
)

// Record is one annotated schematism page as stored in the dataset
type Record struct {
	ID         string        `json:"id" parquet:"id"`
	Filename   string        `json:"filename" parquet:"filename"` // <schematism>_<page>.jpg
	Schematism string        `json:"schematism_name" parquet:"schematism_name"`
	Text       string        `json:"text" parquet:"text"`
	Tokens     []TokenRecord `json:"tokens" parquet:"tokens,list"`

	// Results is the ground-truth JSON, either flat or page-shaped
	Results string `json:"results" parquet:"results"`
}

// TokenRecord is one OCR word with its box and BIO label
type TokenRecord struct {
	Text  string `json:"text" parquet:"text"`
	X0    int32  `json:"x0" parquet:"x0"`
	Y0    int32  `json:"y0" parquet:"y0"`
	X1    int32  `json:"x1" parquet:"x1"`
	Y1    int32  `json:"y1" parquet:"y1"`
	Start int32  `json:"start" parquet:"start"`
	End   int32  `json:"end" parquet:"end"`
	Label string `json:"label" parquet:"label"`
}

// UnmarshalJSON accepts results either as a JSON string or an inline object
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	var raw struct {
		alias
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record(raw.alias)

	results := strings.TrimSpace(string(raw.Results))
	switch {
	case results == "" || results == "null":
		r.Results = ""
	case strings.HasPrefix(results, `"`):
		var s string
		if err := json.Unmarshal(raw.Results, &s); err != nil {
			return fmt.Errorf("invalid results: %w", err)
		}
		r.Results = s
	default:
		r.Results = results
	}
	return nil
}

// SchematismName returns the source schematism, falling back to the
// filename prefix before the last underscore.
func (r *Record) SchematismName() string {
	if r.Schematism != "" {
		return r.Schematism
	}
	i := strings.LastIndex(r.Filename, "_")
	if i <= 0 {
		return ""
	}
	return r.Filename[:i]
}

// Document converts the record to the OCR document handed to adapters
func (r *Record) Document() models.Document {
	id := r.ID
	if id == "" {
		id = r.Filename
	}

	doc := models.Document{ID: id, Source: r.SchematismName(), Text: r.Text}
	if len(r.Tokens) > 0 {
		doc.Tokens = make([]models.Token, len(r.Tokens))
		for i, t := range r.Tokens {
			doc.Tokens[i] = models.Token{
				Text:  t.Text,
				BBox:  [4]int{int(t.X0), int(t.Y0), int(t.X1), int(t.Y1)},
				Start: int(t.Start),
				End:   int(t.End),
				Label: t.Label,
			}
		}
	}
	return doc
}

// Example converts the record into a document paired with its ground truth
func (r *Record) Example() (models.Example, error) {
	truth, err := ParseTruth(r.Results)
	if err != nil {
		return models.Example{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	return models.Example{Document: r.Document(), Truth: truth}, nil
}

// ParseTruth decodes ground-truth JSON. Page-shaped annotations
// ({"page_number": ..., "entries": [...]}) merge the page fields with the
// first entry; the remaining entries are counted in ExtraEntries. Empty and
// unavailable values become null.
func ParseTruth(results string) (models.AnnotatedRecord, error) {
	rec := models.AnnotatedRecord{Fields: make(map[string]*string)}
	if strings.TrimSpace(results) == "" {
		return rec, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(results), &obj); err != nil {
		return rec, fmt.Errorf("invalid ground truth: %w", err)
	}

	if raw, ok := obj["entries"]; ok {
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return rec, fmt.Errorf("invalid ground truth entries: %w", err)
		}
		if len(entries) > 0 {
			if err := mergeFields(rec, entries[0]); err != nil {
				return rec, err
			}
			rec.ExtraEntries = len(entries) - 1
		}
		delete(obj, "entries")
	}

	if err := mergeFields(rec, obj); err != nil {
		return rec, err
	}
	return rec, nil
}

func mergeFields(rec models.AnnotatedRecord, obj map[string]json.RawMessage) error {
	for field, raw := range obj {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("invalid ground truth field %s: %w", field, err)
		}
		switch val := v.(type) {
		case nil:
			rec.Fields[field] = nil
		case string:
			rec.Fields[field] = models.CleanValue(val)
		case float64:
			rec.Fields[field] = models.CleanValue(strings.TrimSpace(string(raw)))
		default:
			return fmt.Errorf("ground truth field %s is not a scalar", field)
		}
	}
	return nil
}
