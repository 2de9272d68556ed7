package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/schematism/internal/models"
)

func taggerServer(t *testing.T, handler func(req tagRequest) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req tagRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, body := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenClassifierExtract(t *testing.T) {
	srv := taggerServer(t, func(req tagRequest) (int, any) {
		tags := []string{"B-deanery", "I-deanery", "O", "B-dedication", "I-dedication"}
		return http.StatusOK, tagResponse{Tags: tags[:len(req.Words)], Confidences: []float64{0.9, 0.8, 0.99, 0.7, 0.95}}
	})

	tc := NewTokenClassifier(NewTaggerClient(srv.URL, nil), []string{"deanery", "dedication", "parish"}, Backoff{Attempts: 1})
	doc := models.Document{ID: "p-1", Text: "dekanat kaliski Czermin sw. Wojciecha"}

	result, err := tc.Extract(context.Background(), doc)
	require.NoError(t, err)

	require.Len(t, result.Spans, 2)
	assert.Equal(t, "dekanat kaliski", result.Fields["deanery"].Raw)
	assert.InDelta(t, 0.8, result.Fields["deanery"].Confidence, 1e-9)
	assert.Equal(t, "sw. Wojciecha", result.Fields["dedication"].Raw)
	require.NotNil(t, result.Fields["dedication"].Span)
	assert.Equal(t, 3, result.Fields["dedication"].Span.First)
	assert.NotContains(t, result.Fields, "parish")
}

func TestTokenClassifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := taggerServer(t, func(req tagRequest) (int, any) {
		if calls.Add(1) == 1 {
			return http.StatusServiceUnavailable, map[string]string{"error": "loading"}
		}
		return http.StatusOK, tagResponse{Tags: []string{"B-parish"}, Confidences: []float64{1}}
	})

	tc := NewTokenClassifier(NewTaggerClient(srv.URL, nil), nil, Backoff{Attempts: 2, Base: time.Millisecond})
	result, err := tc.Extract(context.Background(), models.Document{ID: "p", Text: "Czermin"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, "Czermin", result.Fields["parish"].Raw)
}

func TestTokenClassifierMalformedResponse(t *testing.T) {
	srv := taggerServer(t, func(req tagRequest) (int, any) {
		return http.StatusOK, tagResponse{Tags: []string{"O"}}
	})

	tc := NewTokenClassifier(NewTaggerClient(srv.URL, nil), nil, Backoff{Attempts: 3, Base: time.Millisecond})
	_, err := tc.Extract(context.Background(), models.Document{ID: "p", Text: "two words"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestTokenClassifierUsesDocumentTokens(t *testing.T) {
	var got tagRequest
	srv := taggerServer(t, func(req tagRequest) (int, any) {
		got = req
		return http.StatusOK, tagResponse{Tags: []string{"O", "B-parish"}, Confidences: []float64{1, 1}}
	})

	doc := models.Document{
		ID: "p",
		Tokens: []models.Token{
			{Text: "41", BBox: [4]int{10, 20, 30, 40}},
			{Text: "Czermin", BBox: [4]int{40, 20, 90, 40}},
		},
	}
	tc := NewTokenClassifier(NewTaggerClient(srv.URL, nil), nil, Backoff{Attempts: 1})
	result, err := tc.Extract(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, []string{"41", "Czermin"}, got.Words)
	assert.Equal(t, [4]int{40, 20, 90, 40}, got.BBoxes[1])
	assert.Equal(t, "Czermin", result.Fields["parish"].Raw)
}

func TestTokenClassifierEmptyDocument(t *testing.T) {
	tc := NewTokenClassifier(NewTaggerClient("http://127.0.0.1:0", nil), nil, Backoff{Attempts: 1})
	result, err := tc.Extract(context.Background(), models.Document{ID: "blank", Text: "  "})
	require.NoError(t, err)
	assert.Empty(t, result.Fields)
}
