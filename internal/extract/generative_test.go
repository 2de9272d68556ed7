package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/schematism/internal/models"
	"github.com/lehigh-university-libraries/schematism/internal/providers"
)

type fakeProvider struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ExtractText(ctx context.Context, config providers.Config) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, config.Prompt)

	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func TestParseResponse(t *testing.T) {
	fields := []string{"page_number", "deanery", "parish", "dedication", "building_material"}

	tests := []struct {
		name     string
		response string
		expected map[string]string
	}{
		{
			name:     "plain json",
			response: `{"deanery": "dekanat kaliski", "parish": "Czermin", "dedication": null}`,
			expected: map[string]string{"deanery": "dekanat kaliski", "parish": "Czermin"},
		},
		{
			name:     "fenced json with number",
			response: "```json\n{\"page_number\": 12, \"parish\": \" Czermin \"}\n```",
			expected: map[string]string{"page_number": "12", "parish": "Czermin"},
		},
		{
			name:     "prose around json",
			response: "Here is the result:\n{\"parish\": \"Kalisz\"}\nHope this helps.",
			expected: map[string]string{"parish": "Kalisz"},
		},
		{
			name:     "unavailable marker and empty",
			response: `{"deanery": "[brak_informacji]", "parish": "", "dedication": "sw. Wojciecha"}`,
			expected: map[string]string{"dedication": "sw. Wojciecha"},
		},
		{
			name:     "page shaped answer",
			response: `{"page_number": "41", "deanery": "Calisiensis", "entries": [{"parish": "Czermin", "dedication": "S. Clementem", "building_material": "mur."}, {"parish": "Other"}]}`,
			expected: map[string]string{"page_number": "41", "deanery": "Calisiensis", "parish": "Czermin", "dedication": "S. Clementem", "building_material": "mur."},
		},
		{
			name:     "non-scalar value skipped",
			response: `{"parish": ["a", "b"], "deanery": "Kalisz"}`,
			expected: map[string]string{"deanery": "Kalisz"},
		},
		{
			name:     "truncated json is salvaged",
			response: `{"deanery": "dekanat kaliski", "parish": "Czer`,
			expected: map[string]string{"deanery": "dekanat kaliski"},
		},
		{
			name:     "broken field does not lose the others",
			response: `{"deanery": "dekanat kaliski", "parish": Czermin, "dedication": "sw. Wojciecha"}`,
			expected: map[string]string{"deanery": "dekanat kaliski", "dedication": "sw. Wojciecha"},
		},
		{
			name:     "well formed but empty",
			response: `{}`,
			expected: map[string]string{},
		},
		{
			name:     "garbage",
			response: "I cannot read this page.",
			expected: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseResponse(tt.response, fields)
			raw := make(map[string]string, len(got))
			for f, v := range got {
				raw[f] = v.Raw
			}
			assert.Equal(t, tt.expected, raw)
		})
	}
}

func TestParseResponseSalvagedConfidence(t *testing.T) {
	got := ParseResponse(`{"parish": "Czermin", "deanery": `, []string{"parish"})
	require.Contains(t, got, "parish")
	assert.Equal(t, salvagedConfidence, got["parish"].Confidence)

	got = ParseResponse(`{"parish": "Czermin"}`, []string{"parish"})
	assert.Equal(t, 1.0, got["parish"].Confidence)
}

func TestGenerativeExtract(t *testing.T) {
	p := &fakeProvider{responses: []string{`{"deanery": "dekanat kaliski", "dedication": "sw. Wojciecha"}`}}
	g := NewGenerative(p, "test-model", 0, WithFields([]string{"deanery", "dedication"}))

	doc := models.Document{ID: "doc-1", Text: "Dekanat kaliski. Czermin, kościół sw. Wojciecha"}
	result, err := g.Extract(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, "doc-1", result.DocumentID)
	assert.Equal(t, 1, result.Attempts)
	raw := result.Raw()
	require.NotNil(t, raw["deanery"])
	assert.Equal(t, "dekanat kaliski", *raw["deanery"])
	assert.Equal(t, "sw. Wojciecha", *raw["dedication"])

	require.Len(t, p.prompts, 1)
	assert.Contains(t, p.prompts[0], doc.Text)
	assert.Contains(t, p.prompts[0], `"dedication"`)
	assert.NotContains(t, p.prompts[0], `"parish"`)
	assert.Equal(t, "generative/fake/test-model", g.Name())
}

func TestGenerativeRetriesTransientErrors(t *testing.T) {
	p := &fakeProvider{
		errs: []error{
			&providers.StatusError{Provider: "fake", StatusCode: http.StatusTooManyRequests},
			&providers.StatusError{Provider: "fake", StatusCode: http.StatusBadGateway},
		},
		responses: []string{"", "", `{"parish": "Czermin"}`},
	}
	g := NewGenerative(p, "m", 0, WithBackoff(Backoff{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}))

	result, err := g.Extract(context.Background(), models.Document{ID: "d", Text: "Czermin"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, "Czermin", result.Fields["parish"].Raw)
}

func TestGenerativeDoesNotRetryPermanentErrors(t *testing.T) {
	p := &fakeProvider{
		errs:      []error{&providers.StatusError{Provider: "fake", StatusCode: http.StatusBadRequest}},
		responses: []string{`{}`},
	}
	g := NewGenerative(p, "m", 0, WithBackoff(Backoff{Attempts: 3, Base: time.Millisecond}))

	_, err := g.Extract(context.Background(), models.Document{ID: "d", Text: "x"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 1, p.calls)

	var ie *InferenceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "generate", ie.Op)
}

func TestGenerativeGivesUpAfterAttempts(t *testing.T) {
	p := &fakeProvider{
		errs: []error{
			context.DeadlineExceeded,
			context.DeadlineExceeded,
		},
		responses: []string{""},
	}
	g := NewGenerative(p, "m", 0, WithBackoff(Backoff{Attempts: 2, Base: time.Millisecond}))

	_, err := g.Extract(context.Background(), models.Document{ID: "d", Text: "x"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, p.calls)
	assert.True(t, strings.Contains(err.Error(), "2 attempts"))
}

func TestGenerativeEmptyAnswerIsNotRetried(t *testing.T) {
	p := &fakeProvider{responses: []string{`{"parish": null}`}}
	g := NewGenerative(p, "m", 0, WithBackoff(Backoff{Attempts: 3, Base: time.Millisecond}))

	result, err := g.Extract(context.Background(), models.Document{ID: "d", Text: "x"})
	require.NoError(t, err)
	assert.Empty(t, result.Fields)
	assert.Equal(t, 1, p.calls)
}

func TestGenerativeNoContentIsAnEmptyResult(t *testing.T) {
	p := &fakeProvider{
		errs:      []error{fmt.Errorf("no candidates returned from Gemini: %w", providers.ErrEmptyResponse)},
		responses: []string{`{"parish": "Czermin"}`},
	}
	g := NewGenerative(p, "m", 0, WithBackoff(Backoff{Attempts: 3, Base: time.Millisecond}))

	result, err := g.Extract(context.Background(), models.Document{ID: "d", Text: "x"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Fields)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, p.calls)
}

func TestGenerativeRateLimitWaitPastDeadlineIsRetryable(t *testing.T) {
	p := &fakeProvider{responses: []string{`{"parish": "Czermin"}`}}
	g := NewGenerative(p, "m", 0, WithRateLimit(0.001))

	_, err := g.Extract(context.Background(), models.Document{ID: "first", Text: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Extract(ctx, models.Document{ID: "second", Text: "x"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.calls)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(5))
	assert.Equal(t, time.Second, b.Delay(30))
}

func TestClassify(t *testing.T) {
	assert.True(t, classify("x", context.DeadlineExceeded).Retryable)
	assert.False(t, classify("x", context.Canceled).Retryable)
	assert.True(t, classify("x", &providers.StatusError{StatusCode: 503}).Retryable)
	assert.False(t, classify("x", &providers.StatusError{StatusCode: 401}).Retryable)
	assert.False(t, classify("x", errors.New("failed to decode response body")).Retryable)

	inner := &InferenceError{Op: "tag", Retryable: true}
	assert.Same(t, inner, classify("x", inner))
}
