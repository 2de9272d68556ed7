package metrics

import (
	"time"

	"github.com/lehigh-university-libraries/schematism/internal/canon"
	"github.com/lehigh-university-libraries/schematism/internal/models"
)

// Outcome of comparing one resolved field against ground truth
type Outcome string

const (
	OutcomeTP Outcome = "tp"
	OutcomeFP Outcome = "fp"
	OutcomeFN Outcome = "fn"
	OutcomeTN Outcome = "tn"
	// OutcomeMismatch is a wrong canonical value: one FP and one FN
	OutcomeMismatch Outcome = "mismatch"
)

// Counts is the confusion matrix of one field.
type Counts struct {
	TP         int `json:"tp" yaml:"tp"`
	FP         int `json:"fp" yaml:"fp"`
	FN         int `json:"fn" yaml:"fn"`
	TN         int `json:"tn" yaml:"tn"`
	Unresolved int `json:"unresolved" yaml:"unresolved"`
}

// Add accumulates o into c
func (c *Counts) Add(o Counts) {
	c.TP += o.TP
	c.FP += o.FP
	c.FN += o.FN
	c.TN += o.TN
	c.Unresolved += o.Unresolved
}

func (c *Counts) record(o Outcome, unresolved bool) {
	switch o {
	case OutcomeTP:
		c.TP++
	case OutcomeFP:
		c.FP++
	case OutcomeFN:
		c.FN++
	case OutcomeTN:
		c.TN++
	case OutcomeMismatch:
		c.FP++
		c.FN++
	}
	if unresolved {
		c.Unresolved++
	}
}

// Tally accumulates confusion counts and coverage for one run. It is not safe
// for concurrent use; workers keep their own tally and Merge at the end.
type Tally struct {
	Fields           map[string]*Counts `json:"fields" yaml:"fields"`
	Documents        int                `json:"documents" yaml:"documents"`
	OutsideDocuments int                `json:"outside_documents" yaml:"outsidedocuments"`
	Tokens           int                `json:"tokens" yaml:"tokens"`
	OutsideTokens    int                `json:"outside_tokens" yaml:"outsidetokens"`
}

// NewTally returns an empty tally
func NewTally() *Tally {
	return &Tally{Fields: make(map[string]*Counts)}
}

func (t *Tally) counts(field string) *Counts {
	c, ok := t.Fields[field]
	if !ok {
		c = &Counts{}
		t.Fields[field] = c
	}
	return c
}

// Record compares pred against truth for field and counts the outcome.
func (t *Tally) Record(field string, truth *string, pred canon.Resolved) Outcome {
	o := Compare(truth, pred)
	t.counts(field).record(o, pred.IsUnresolved())
	return o
}

// ObserveDocument counts a document toward coverage: whether its ground truth
// holds no entity, and how many of its labelled tokens are outside tags.
func (t *Tally) ObserveDocument(truth models.AnnotatedRecord, tokens []models.Token) {
	t.Documents++
	if truth.IsEmpty() {
		t.OutsideDocuments++
	}
	for _, tok := range tokens {
		if tok.Label == "" {
			continue
		}
		t.Tokens++
		if tok.Label == models.OutsideTag {
			t.OutsideTokens++
		}
	}
}

// Merge folds o into t. Merging is commutative, so the order in which
// partial tallies arrive does not change the result.
func (t *Tally) Merge(o *Tally) {
	if o == nil {
		return
	}
	for field, c := range o.Fields {
		t.counts(field).Add(*c)
	}
	t.Documents += o.Documents
	t.OutsideDocuments += o.OutsideDocuments
	t.Tokens += o.Tokens
	t.OutsideTokens += o.OutsideTokens
}

// Compare classifies one prediction:
//
//	truth null, pred null        -> TN
//	truth null, pred any value   -> FP
//	truth set,  pred null        -> FN
//	truth set,  pred unresolved  -> FN
//	truth set,  pred equal       -> TP
//	truth set,  pred different   -> FP and FN
func Compare(truth *string, pred canon.Resolved) Outcome {
	expected := ""
	if truth != nil {
		expected = canon.Normalize(*truth)
	}

	switch {
	case expected == "" && pred.IsNull():
		return OutcomeTN
	case expected == "":
		return OutcomeFP
	case pred.IsNull(), pred.IsUnresolved():
		return OutcomeFN
	case canon.Normalize(pred.Value) == expected:
		return OutcomeTP
	default:
		return OutcomeMismatch
	}
}

// FieldResult is the comparison of one field of one document
type FieldResult struct {
	Field    string         `json:"field" yaml:"field"`
	Expected *string        `json:"expected" yaml:"expected"`
	Resolved canon.Resolved `json:"resolved" yaml:"resolved"`
	Outcome  Outcome        `json:"outcome" yaml:"outcome"`
}

// DocumentResult is the evaluation of one document
type DocumentResult struct {
	Index          int           `json:"index" yaml:"index"` // position in the evaluated partition
	ID             string        `json:"id" yaml:"id"`
	Source         string        `json:"source" yaml:"source"`
	Fields         []FieldResult `json:"fields" yaml:"fields"`
	Attempts       int           `json:"attempts" yaml:"attempts"`
	ProcessingTime time.Duration `json:"processing_time" yaml:"processingtime"`
	Error          string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// RecordDocument counts every field of a document, treating fields missing
// from resolved as null predictions, and returns the per-field results in
// field order.
func (t *Tally) RecordDocument(fields []string, truth models.AnnotatedRecord, resolved map[string]canon.Resolved) []FieldResult {
	out := make([]FieldResult, 0, len(fields))
	for _, f := range fields {
		pred, ok := resolved[f]
		if !ok {
			pred = canon.Null(f)
		}
		expected := truth.Value(f)
		o := t.Record(f, expected, pred)
		out = append(out, FieldResult{Field: f, Expected: expected, Resolved: pred, Outcome: o})
	}
	return out
}
