package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode"

	"github.com/lehigh-university-libraries/schematism/internal/models"
	"github.com/lehigh-university-libraries/schematism/internal/providers"
)

// TaggerClient calls a token classification service over HTTP
type TaggerClient struct {
	baseURL string
	client  *http.Client
}

// NewTaggerClient returns a client for the service at baseURL
func NewTaggerClient(baseURL string, client *http.Client) *TaggerClient {
	if client == nil {
		client = &http.Client{}
	}
	return &TaggerClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type tagRequest struct {
	ID     string   `json:"id"`
	Words  []string `json:"words"`
	BBoxes [][4]int `json:"bboxes"`
}

type tagResponse struct {
	Tags        []string  `json:"tags"`
	Confidences []float64 `json:"confidences"`
}

// Tag predicts one BIO tag per token
func (c *TaggerClient) Tag(ctx context.Context, id string, tokens []models.Token) ([]Tagged, error) {
	payload := tagRequest{ID: id, Words: make([]string, len(tokens)), BBoxes: make([][4]int, len(tokens))}
	for i, t := range tokens {
		payload.Words[i] = t.Text
		payload.BBoxes[i] = t.BBox
	}

	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/predict", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &providers.StatusError{Provider: "tagger", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var response tagResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if len(response.Tags) != len(tokens) {
		return nil, fmt.Errorf("malformed tagger response: %d tags for %d tokens", len(response.Tags), len(tokens))
	}

	tagged := make([]Tagged, len(tokens))
	for i, t := range tokens {
		conf := 1.0
		if i < len(response.Confidences) {
			conf = response.Confidences[i]
		}
		tagged[i] = Tagged{Token: t, Tag: response.Tags[i], Confidence: conf}
	}
	return tagged, nil
}

// TokenClassifier extracts fields by tagging tokens and decoding BIO spans
type TokenClassifier struct {
	tagger  *TaggerClient
	fields  []string
	backoff Backoff
}

// NewTokenClassifier returns an adapter backed by tagger
func NewTokenClassifier(tagger *TaggerClient, fields []string, backoff Backoff) *TokenClassifier {
	if len(fields) == 0 {
		fields = models.DefaultFields
	}
	return &TokenClassifier{tagger: tagger, fields: fields, backoff: backoff}
}

// Name returns the adapter name
func (tc *TokenClassifier) Name() string {
	return "token-classifier"
}

// Extract tags the document tokens and keeps the most confident span per field
func (tc *TokenClassifier) Extract(ctx context.Context, doc models.Document) (*Result, error) {
	result := newResult(doc)

	tokens := doc.Tokens
	if len(tokens) == 0 {
		tokens = Tokenize(doc.Text)
	}
	if len(tokens) == 0 {
		return result, nil
	}

	var tagged []Tagged
	attempts, err := retry(ctx, tc.backoff, "tag", func(ctx context.Context) error {
		var err error
		tagged, err = tc.tagger.Tag(ctx, doc.ID, tokens)
		return err
	})
	if err != nil {
		return nil, err
	}
	result.Attempts = attempts

	result.Spans = DecodeBIO(tagged, doc.Text)
	best := BestSpans(result.Spans)
	for _, f := range tc.fields {
		s, ok := best[f]
		if !ok {
			continue
		}
		span := s
		result.Fields[f] = Value{Raw: s.Text, Confidence: s.Confidence, Span: &span}
	}

	anomalies := 0
	for _, s := range result.Spans {
		if s.Anomalous {
			anomalies++
		}
	}
	slog.Debug("Decoded spans", "document", doc.ID, "spans", len(result.Spans), "anomalous", anomalies)

	return result, nil
}

// Tokenize splits text on whitespace, keeping byte offsets
func Tokenize(text string) []models.Token {
	var tokens []models.Token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, models.Token{Text: text[start:i], Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, models.Token{Text: text[start:], Start: start, End: len(text)})
	}
	return tokens
}

