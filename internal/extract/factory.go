package extract

import (
	"fmt"
	"net/http"
	"os"

	"github.com/lehigh-university-libraries/schematism/internal/config"
	"github.com/lehigh-university-libraries/schematism/internal/gemini"
	"github.com/lehigh-university-libraries/schematism/internal/ollama"
	"github.com/lehigh-university-libraries/schematism/internal/openai"
	"github.com/lehigh-university-libraries/schematism/internal/providers"
)

// NewProvider returns the LLM provider with the given name
func NewProvider(name string) (providers.Provider, error) {
	switch name {
	case "ollama":
		return ollama.New(), nil
	case "openai":
		return openai.New(), nil
	case "gemini":
		return gemini.New(), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

// DefaultModel returns the model used when none is configured, honouring
// the provider's *_MODEL environment variable.
func DefaultModel(provider string) string {
	switch provider {
	case "openai":
		model := os.Getenv("OPENAI_MODEL")
		if model == "" {
			return "gpt-4o"
		}
		return model
	case "ollama":
		model := os.Getenv("OLLAMA_MODEL")
		if model == "" {
			return "mistral-small3.2:24b"
		}
		return model
	case "gemini":
		model := os.Getenv("GEMINI_MODEL")
		if model == "" {
			return "gemini-1.5-flash"
		}
		return model
	default:
		return ""
	}
}

// FromConfig builds the configured adapter. provider is only used by the
// generative adapter and may be nil for the token classifier.
func FromConfig(cfg config.ExtractionConfig, provider providers.Provider) (Adapter, error) {
	backoff := Backoff{Attempts: cfg.Attempts, Base: cfg.BackoffBase, Max: cfg.BackoffMax}

	switch cfg.Adapter {
	case "generative":
		if provider == nil {
			return nil, fmt.Errorf("generative adapter requires a provider")
		}
		model := cfg.Model
		if model == "" {
			model = DefaultModel(cfg.Provider)
		}
		return NewGenerative(provider, model, cfg.Temperature,
			WithFields(cfg.Fields),
			WithBackoff(backoff),
			WithRateLimit(cfg.RequestsPerSecond),
		), nil
	case "token-classifier":
		if cfg.TaggerURL == "" {
			return nil, fmt.Errorf("token-classifier adapter requires a tagger URL")
		}
		return NewTokenClassifier(NewTaggerClient(cfg.TaggerURL, &http.Client{}), cfg.Fields, backoff), nil
	default:
		return nil, fmt.Errorf("unsupported adapter: %s", cfg.Adapter)
	}
}
