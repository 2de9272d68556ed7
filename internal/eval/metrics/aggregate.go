package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// FieldMetrics holds precision, recall and F1 for one field. A nil metric is
// undefined: the field had no predicted and no true instances.
type FieldMetrics struct {
	Field     string   `json:"field" yaml:"field"`
	Counts    Counts   `json:"counts" yaml:"counts"`
	Precision *float64 `json:"precision" yaml:"precision"`
	Recall    *float64 `json:"recall" yaml:"recall"`
	F1        *float64 `json:"f1" yaml:"f1"`
}

// Defined reports whether the field had any positive instance
func (f FieldMetrics) Defined() bool {
	return f.F1 != nil
}

// Summary is one aggregate view across fields
type Summary struct {
	Precision *float64 `json:"precision" yaml:"precision"`
	Recall    *float64 `json:"recall" yaml:"recall"`
	F1        *float64 `json:"f1" yaml:"f1"`
	Fields    int      `json:"fields" yaml:"fields"` // fields that contributed
}

// Coverage reports the share of documents and tokens with no entity at all.
// The outside category never enters the field metrics.
type Coverage struct {
	Documents        int      `json:"documents" yaml:"documents"`
	OutsideDocuments int      `json:"outside_documents" yaml:"outsidedocuments"`
	DocumentRatio    *float64 `json:"document_ratio" yaml:"documentratio"`
	Tokens           int      `json:"tokens" yaml:"tokens"`
	OutsideTokens    int      `json:"outside_tokens" yaml:"outsidetokens"`
	TokenRatio       *float64 `json:"token_ratio" yaml:"tokenratio"`
}

// Report is the aggregated metrics of a tally. Macro is the primary
// comparison metric.
type Report struct {
	Fields   []FieldMetrics `json:"fields" yaml:"fields"`
	Macro    Summary        `json:"macro" yaml:"macro"`
	Micro    Summary        `json:"micro" yaml:"micro"`
	Coverage Coverage       `json:"coverage" yaml:"coverage"`
}

// Field returns the metrics of one field
func (r *Report) Field(name string) (FieldMetrics, bool) {
	for _, f := range r.Fields {
		if f.Field == name {
			return f, true
		}
	}
	return FieldMetrics{}, false
}

// Aggregate computes per-field, macro and micro metrics. Fields are listed in
// order, followed by any other tallied field in name order.
func Aggregate(t *Tally, order []string) *Report {
	r := &Report{}

	seen := make(map[string]bool, len(order))
	names := make([]string, 0, len(t.Fields))
	for _, f := range order {
		if _, ok := t.Fields[f]; ok && !seen[f] {
			names = append(names, f)
			seen[f] = true
		}
	}
	var rest []string
	for f := range t.Fields {
		if !seen[f] {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	var pooled Counts
	var sumP, sumR, sumF float64
	var nP, nR, nF int

	for _, name := range names {
		c := *t.Fields[name]
		fm := fieldMetrics(name, c)
		r.Fields = append(r.Fields, fm)
		pooled.Add(c)

		if fm.Precision != nil {
			sumP += *fm.Precision
			nP++
		}
		if fm.Recall != nil {
			sumR += *fm.Recall
			nR++
		}
		if fm.F1 != nil {
			sumF += *fm.F1
			nF++
		}
	}

	r.Macro = Summary{
		Precision: mean(sumP, nP),
		Recall:    mean(sumR, nR),
		F1:        mean(sumF, nF),
		Fields:    nF,
	}

	micro := fieldMetrics("", pooled)
	r.Micro = Summary{
		Precision: micro.Precision,
		Recall:    micro.Recall,
		F1:        micro.F1,
		Fields:    len(names),
	}

	r.Coverage = Coverage{
		Documents:        t.Documents,
		OutsideDocuments: t.OutsideDocuments,
		DocumentRatio:    ratio(t.OutsideDocuments, t.Documents),
		Tokens:           t.Tokens,
		OutsideTokens:    t.OutsideTokens,
		TokenRatio:       ratio(t.OutsideTokens, t.Tokens),
	}

	return r
}

func fieldMetrics(name string, c Counts) FieldMetrics {
	fm := FieldMetrics{Field: name, Counts: c}
	fm.Precision = ratio(c.TP, c.TP+c.FP)
	fm.Recall = ratio(c.TP, c.TP+c.FN)

	switch {
	case fm.Precision == nil && fm.Recall == nil:
		// undefined
	case fm.Precision == nil || fm.Recall == nil:
		// one side is defined and TP is zero
		fm.F1 = f64(0)
	case *fm.Precision+*fm.Recall == 0:
		fm.F1 = f64(0)
	default:
		fm.F1 = f64(2 * *fm.Precision * *fm.Recall / (*fm.Precision + *fm.Recall))
	}
	return fm
}

func ratio(num, den int) *float64 {
	if den == 0 {
		return nil
	}
	return f64(float64(num) / float64(den))
}

func mean(sum float64, n int) *float64 {
	if n == 0 {
		return nil
	}
	return f64(sum / float64(n))
}

func f64(v float64) *float64 {
	return &v
}

// FormatMetric renders a metric as a percentage, or "n/a" when undefined
func FormatMetric(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", *v*100)
}

// PrintSummary writes a human-readable summary of the report
func (r *Report) PrintSummary(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("-", 70))
	fmt.Fprintf(w, "%-20s %8s %8s %8s %6s %6s %6s %6s %6s\n",
		"FIELD", "P", "R", "F1", "TP", "FP", "FN", "TN", "UNRES")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, f := range r.Fields {
		fmt.Fprintf(w, "%-20s %8s %8s %8s %6d %6d %6d %6d %6d\n",
			f.Field,
			FormatMetric(f.Precision), FormatMetric(f.Recall), FormatMetric(f.F1),
			f.Counts.TP, f.Counts.FP, f.Counts.FN, f.Counts.TN, f.Counts.Unresolved)
	}
	fmt.Fprintln(w, strings.Repeat("-", 70))
	fmt.Fprintf(w, "%-20s %8s %8s %8s  (%d fields)\n", "MACRO",
		FormatMetric(r.Macro.Precision), FormatMetric(r.Macro.Recall), FormatMetric(r.Macro.F1), r.Macro.Fields)
	fmt.Fprintf(w, "%-20s %8s %8s %8s\n", "MICRO",
		FormatMetric(r.Micro.Precision), FormatMetric(r.Micro.Recall), FormatMetric(r.Micro.F1))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Coverage: %d/%d documents without entities (%s)",
		r.Coverage.OutsideDocuments, r.Coverage.Documents, FormatMetric(r.Coverage.DocumentRatio))
	if r.Coverage.Tokens > 0 {
		fmt.Fprintf(w, ", %d/%d tokens outside (%s)",
			r.Coverage.OutsideTokens, r.Coverage.Tokens, FormatMetric(r.Coverage.TokenRatio))
	}
	fmt.Fprintln(w)
}
