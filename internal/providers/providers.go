package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrEmptyResponse is returned when the provider answered but produced no text
var ErrEmptyResponse = errors.New("empty response")

// Config represents the configuration for an LLM provider
type Config struct {
	Model       string
	Temperature float64
	Prompt      string
	// JSON asks the provider to constrain its output to a JSON object
	JSON bool
}

// Provider defines the interface for an LLM provider
type Provider interface {
	Name() string
	ExtractText(ctx context.Context, config Config) (string, error)
}

// StatusError is a non-200 answer from a provider's HTTP API
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: received non-200 status code: %d - %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if sent again
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= http.StatusInternalServerError
}
