package evalcmd

import (
	"fmt"
	"io"

	"github.com/lehigh-university-libraries/schematism/internal/canon"
)

// executeResolve maps one raw string and prints the decision. A non-empty
// parent is treated as an already resolved parent value.
func executeResolve(w io.Writer, mapper *canon.Mapper, field, parent, raw string) (canon.Resolved, error) {
	var p *canon.Resolved
	if parent != "" {
		parentField, _ := mapper.Store().Parent(field)
		p = &canon.Resolved{Field: parentField, Status: canon.StatusResolved, Value: parent}
	}

	r, err := mapper.Resolve(field, raw, p)
	if err != nil {
		return r, err
	}

	fmt.Fprintf(w, "Field:     %s\n", field)
	fmt.Fprintf(w, "Raw:       %q\n", raw)
	fmt.Fprintf(w, "Status:    %s\n", r.Status)
	if r.IsResolved() {
		fmt.Fprintf(w, "Value:     %s\n", r.Value)
	}
	if r.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", r.Reason)
	}
	if !r.IsNull() {
		fmt.Fprintf(w, "Score:     %.3f\n", r.Score)
	}
	if r.RunnerUp != "" {
		fmt.Fprintf(w, "Runner-up: %s (%.3f)\n", r.RunnerUp, r.RunnerUpScore)
	}
	return r, nil
}
