package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/lehigh-university-libraries/schematism/internal/models"
	"github.com/lehigh-university-libraries/schematism/internal/providers"
)

// salvagedConfidence is assigned to values recovered from a response that was
// not valid JSON
const salvagedConfidence = 0.5

// Generative extracts fields by prompting an LLM for a JSON object
type Generative struct {
	provider    providers.Provider
	model       string
	temperature float64
	fields      []string
	backoff     Backoff
	limiter     *rate.Limiter
}

// GenerativeOption configures a Generative adapter
type GenerativeOption func(*Generative)

// WithFields sets the fields requested from the model
func WithFields(fields []string) GenerativeOption {
	return func(g *Generative) {
		if len(fields) > 0 {
			g.fields = fields
		}
	}
}

// WithBackoff sets the retry policy for transient provider failures
func WithBackoff(b Backoff) GenerativeOption {
	return func(g *Generative) {
		g.backoff = b
	}
}

// WithRateLimit caps provider calls per second; zero disables the limit
func WithRateLimit(perSecond float64) GenerativeOption {
	return func(g *Generative) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewGenerative returns an adapter that prompts provider with model
func NewGenerative(provider providers.Provider, model string, temperature float64, opts ...GenerativeOption) *Generative {
	g := &Generative{
		provider:    provider,
		model:       model,
		temperature: temperature,
		fields:      models.DefaultFields,
		backoff:     Backoff{Attempts: 1},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the adapter name
func (g *Generative) Name() string {
	return fmt.Sprintf("generative/%s/%s", g.provider.Name(), g.model)
}

// Extract prompts the model with the page text and parses its answer
func (g *Generative) Extract(ctx context.Context, doc models.Document) (*Result, error) {
	prompt := BuildPrompt(doc.LayoutText(), g.fields)

	var response string
	attempts, err := retry(ctx, g.backoff, "generate", func(ctx context.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return fmt.Errorf("rate limit wait: %w: %v", context.DeadlineExceeded, err)
				}
				return err
			}
		}
		text, err := g.provider.ExtractText(ctx, providers.Config{
			Model:       g.model,
			Temperature: g.temperature,
			Prompt:      prompt,
			JSON:        true,
		})
		if errors.Is(err, providers.ErrEmptyResponse) {
			slog.Debug("Model returned no content", "document", doc.ID, "error", err)
			text, err = "", nil
		}
		if err != nil {
			return err
		}
		response = text
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := newResult(doc)
	result.Response = response
	result.Attempts = attempts
	for field, v := range ParseResponse(response, g.fields) {
		result.Fields[field] = v
	}

	slog.Debug("Extracted fields", "document", doc.ID, "adapter", g.Name(), "fields", len(result.Fields), "attempts", attempts)
	return result, nil
}

// ParseResponse reads the requested fields from a model answer. Markdown
// fences are ignored. When the answer is not valid JSON, each field is
// salvaged on its own so one malformed value does not lose the others.
// Null, empty and unavailable values are left out.
func ParseResponse(response string, fields []string) map[string]Value {
	body := stripFences(response)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err == nil {
		return fromObject(obj, fields)
	}

	slog.Debug("Response is not valid JSON, salvaging fields", "length", len(response))
	return salvageFields(body, fields)
}

func stripFences(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "{"); start > 0 {
		response = response[start:]
	}
	if end := strings.LastIndex(response, "}"); end >= 0 && end < len(response)-1 {
		response = response[:end+1]
	}
	return response
}

func fromObject(obj map[string]json.RawMessage, fields []string) map[string]Value {
	// page-shaped answers carry parish fields inside an entries list
	var entry map[string]json.RawMessage
	if raw, ok := obj["entries"]; ok {
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err == nil && len(entries) > 0 {
			entry = entries[0]
		}
	}

	out := make(map[string]Value)
	for _, f := range fields {
		raw, ok := obj[f]
		if !ok {
			raw, ok = entry[f]
		}
		if !ok {
			continue
		}
		s, ok := scalar(raw)
		if !ok {
			slog.Debug("Skipping non-scalar field value", "field", f)
			continue
		}
		if clean := models.CleanValue(s); clean != nil {
			out[f] = Value{Raw: *clean, Confidence: 1}
		}
	}
	return out
}

func scalar(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	if strings.TrimSpace(string(raw)) == "null" {
		return "", true
	}
	return "", false
}

func salvageFields(body string, fields []string) map[string]Value {
	out := make(map[string]Value)
	for _, f := range fields {
		re := regexp.MustCompile(`"` + regexp.QuoteMeta(f) + `"\s*:\s*("(?:[^"\\]|\\.)*"|-?\d+(?:\.\d+)?)`)
		m := re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		s := m[1]
		if strings.HasPrefix(s, `"`) {
			unquoted, err := strconv.Unquote(s)
			if err != nil {
				var decoded string
				if json.Unmarshal([]byte(s), &decoded) != nil {
					continue
				}
				unquoted = decoded
			}
			s = unquoted
		}
		if clean := models.CleanValue(s); clean != nil {
			out[f] = Value{Raw: *clean, Confidence: salvagedConfidence}
		}
	}
	return out
}
