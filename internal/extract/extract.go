// Package extract turns OCR'd schematism pages into raw, uncanonicalized
// field values. Two adapters are provided: a generative one that prompts an
// LLM for JSON, and a token classifier that decodes BIO tags into spans.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/lehigh-university-libraries/schematism/internal/models"
	"github.com/lehigh-university-libraries/schematism/internal/providers"
)

// Adapter extracts raw field values from one document. A field the model did
// not find is absent from the result; only operational failures are errors.
type Adapter interface {
	Name() string
	Extract(ctx context.Context, doc models.Document) (*Result, error)
}

// Value is one extracted raw value
type Value struct {
	Raw        string  `json:"raw" yaml:"raw"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
	Span       *Span   `json:"span,omitempty" yaml:"span,omitempty"`
}

// Result is the raw output of an adapter for one document
type Result struct {
	DocumentID string           `json:"document_id" yaml:"documentid"`
	Fields     map[string]Value `json:"fields" yaml:"fields"`
	Spans      []Span           `json:"spans,omitempty" yaml:"spans,omitempty"`
	Response   string           `json:"response,omitempty" yaml:"response,omitempty"`
	Attempts   int              `json:"attempts" yaml:"attempts"`
}

// Raw returns the extracted values keyed by field, in the shape the mapper
// resolves.
func (r *Result) Raw() map[string]*string {
	out := make(map[string]*string)
	if r == nil {
		return out
	}
	for field, v := range r.Fields {
		if clean := models.CleanValue(v.Raw); clean != nil {
			out[field] = clean
		}
	}
	return out
}

func newResult(doc models.Document) *Result {
	return &Result{DocumentID: doc.ID, Fields: make(map[string]Value)}
}

// InferenceError is an operational failure of an extraction backend
type InferenceError struct {
	Op        string
	Retryable bool
	Attempts  int
	Cause     error
}

func (e *InferenceError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("inference %s failed after %d attempts: %v", e.Op, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("inference %s failed: %v", e.Op, e.Cause)
}

func (e *InferenceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err is an InferenceError worth retrying
func IsRetryable(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie) && ie.Retryable
}

// classify wraps a backend error, deciding whether it is transient.
// Deadlines, network failures and 429/5xx answers are; cancellation,
// malformed answers and other statuses are not.
func classify(op string, err error) *InferenceError {
	var ie *InferenceError
	if errors.As(err, &ie) {
		return ie
	}

	retryable := false
	var statusErr *providers.StatusError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, context.DeadlineExceeded):
		retryable = true
	case errors.As(err, &statusErr):
		retryable = statusErr.Temporary()
	case errors.As(err, &netErr):
		retryable = true
	}
	return &InferenceError{Op: op, Retryable: retryable, Cause: err}
}
