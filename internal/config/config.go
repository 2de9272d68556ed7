package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/schematism/internal/models"
)

// DatasetConfig selects the annotated documents to evaluate.
type DatasetConfig struct {
	Path        string   `yaml:"path" validate:"required"`
	Schematisms []string `yaml:"schematisms,omitempty"`
	Offset      int      `yaml:"offset" validate:"min=0"`
	Limit       int      `yaml:"limit" validate:"min=-1"` // -1 or 0 means all
	SkipEmpty   bool     `yaml:"skip_empty"`
}

// VocabularyConfig points at the canonical reference lists.
type VocabularyConfig struct {
	Path     string   `yaml:"path" validate:"required"`
	Required []string `yaml:"required,omitempty"`
}

// Thresholds override the acceptance rules for one field. An unset member
// keeps the global value.
type Thresholds struct {
	Threshold *float64 `yaml:"threshold,omitempty" validate:"omitempty,min=0,max=1"`
	Margin    *float64 `yaml:"margin,omitempty" validate:"omitempty,min=0,max=1"`
}

// CanonConfig tunes the canonical value mapper.
type CanonConfig struct {
	Threshold  float64               `yaml:"threshold" validate:"min=0,max=1"`
	Margin     float64               `yaml:"margin" validate:"min=0,max=1"`
	TokenBonus float64               `yaml:"token_bonus" validate:"min=0,max=1"`
	Fields     map[string]Thresholds `yaml:"fields,omitempty" validate:"dive"`
}

// ExtractionConfig selects and tunes the extraction adapter.
type ExtractionConfig struct {
	Adapter           string        `yaml:"adapter" validate:"oneof=generative token-classifier"`
	Provider          string        `yaml:"provider" validate:"oneof=ollama openai gemini"`
	Model             string        `yaml:"model"`
	Temperature       float64       `yaml:"temperature" validate:"min=0,max=2"`
	TaggerURL         string        `yaml:"tagger_url,omitempty" validate:"omitempty,url"`
	Attempts          int           `yaml:"attempts" validate:"min=1,max=10"`
	BackoffBase       time.Duration `yaml:"backoff_base" validate:"min=0"`
	BackoffMax        time.Duration `yaml:"backoff_max" validate:"min=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"min=0"`
	Fields            []string      `yaml:"fields,omitempty"`
}

// RunnerConfig bounds the evaluation runner.
type RunnerConfig struct {
	Concurrency int           `yaml:"concurrency" validate:"min=1,max=256"`
	Retries     int           `yaml:"retries" validate:"min=0,max=10"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`
}

// CacheConfig selects where generative responses are cached.
type CacheConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=none memory sqlite redis"`
	Path    string        `yaml:"path,omitempty"`
	URL     string        `yaml:"url,omitempty"`
	TTL     time.Duration `yaml:"ttl" validate:"min=0"`
}

// OutputConfig controls where run artifacts are written.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// Config is the complete, closed set of options for one evaluation run.
type Config struct {
	Dataset    DatasetConfig    `yaml:"dataset"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Canon      CanonConfig      `yaml:"canonicalization"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Runner     RunnerConfig     `yaml:"runner"`
	Cache      CacheConfig      `yaml:"cache"`
	Output     OutputConfig     `yaml:"output"`
}

// Default returns a configuration with every option at its default value.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvDefaults(cfg)
	return cfg
}

// Load reads a YAML config. Unknown keys are rejected so a misspelled option
// fails here instead of being silently ignored. An empty path yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvDefaults(cfg)
	return cfg, nil
}

// Save writes the config to path, creating directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks every option against its allowed range.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Extraction.Adapter == "token-classifier" && c.Extraction.TaggerURL == "" {
		return fmt.Errorf("invalid config: extraction.tagger_url (or TAGGER_URL) is required for the token-classifier adapter")
	}

	if unknown := c.unknownOverrideFields(); len(unknown) > 0 {
		return fmt.Errorf("invalid config: canonicalization.fields has unknown field(s): %s", strings.Join(unknown, ", "))
	}
	return nil
}

func (c *Config) unknownOverrideFields() []string {
	known := make(map[string]bool)
	for _, list := range [][]string{models.DefaultFields, c.Extraction.Fields, c.Vocabulary.Required} {
		for _, f := range list {
			known[f] = true
		}
	}

	var unknown []string
	for f := range c.Canon.Fields {
		if !known[f] {
			unknown = append(unknown, f)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// FieldThresholds returns the threshold and margin for field. Members the
// field does not override fall back to the global values.
func (c CanonConfig) FieldThresholds(field string) (threshold, margin float64) {
	threshold, margin = c.Threshold, c.Margin
	t, ok := c.Fields[field]
	if !ok {
		return threshold, margin
	}
	if t.Threshold != nil {
		threshold = *t.Threshold
	}
	if t.Margin != nil {
		margin = *t.Margin
	}
	return threshold, margin
}

func defaultConfig() *Config {
	var required []string
	for _, f := range models.DefaultFields {
		if f != models.FieldPageNumber {
			required = append(required, f)
		}
	}

	return &Config{
		Dataset: DatasetConfig{Limit: -1},
		Vocabulary: VocabularyConfig{
			Required: required,
		},
		Canon: CanonConfig{
			Threshold:  0.80,
			Margin:     0.05,
			TokenBonus: 0.15,
		},
		Extraction: ExtractionConfig{
			Adapter:     "generative",
			Provider:    "ollama",
			Temperature: 0.1,
			Attempts:    3,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  10 * time.Second,
			Fields:      append([]string(nil), models.DefaultFields...),
		},
		Runner: RunnerConfig{
			Concurrency: 4,
			Retries:     1,
			CallTimeout: 2 * time.Minute,
		},
		Cache: CacheConfig{
			Backend: "none",
			Path:    filepath.Join("evals", "cache.db"),
		},
		Output: OutputConfig{Dir: "evals"},
	}
}

func applyEnvDefaults(cfg *Config) {
	if cfg.Extraction.TaggerURL == "" {
		cfg.Extraction.TaggerURL = os.Getenv("TAGGER_URL")
	}
	if cfg.Cache.URL == "" {
		cfg.Cache.URL = os.Getenv("REDIS_URL")
	}
}
