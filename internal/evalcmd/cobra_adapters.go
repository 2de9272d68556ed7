package evalcmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lehigh-university-libraries/schematism/internal/config"
)

// loadConfig reads the --config file, or defaults, and applies every flag
// the user set on top of it.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("dataset") {
		cfg.Dataset.Path, _ = flags.GetString("dataset")
	}
	if changed("schematism") {
		cfg.Dataset.Schematisms, _ = flags.GetStringSlice("schematism")
	}
	if changed("offset") {
		cfg.Dataset.Offset, _ = flags.GetInt("offset")
	}
	if changed("sample") {
		cfg.Dataset.Limit, _ = flags.GetInt("sample")
	}
	if changed("skip-empty") {
		cfg.Dataset.SkipEmpty, _ = flags.GetBool("skip-empty")
	}
	if changed("vocabulary") {
		cfg.Vocabulary.Path, _ = flags.GetString("vocabulary")
	}
	if changed("adapter") {
		cfg.Extraction.Adapter, _ = flags.GetString("adapter")
	}
	if changed("provider") {
		cfg.Extraction.Provider, _ = flags.GetString("provider")
	}
	if changed("model") {
		cfg.Extraction.Model, _ = flags.GetString("model")
	}
	if changed("temperature") {
		cfg.Extraction.Temperature, _ = flags.GetFloat64("temperature")
	}
	if changed("tagger-url") {
		cfg.Extraction.TaggerURL, _ = flags.GetString("tagger-url")
	}
	if changed("fields") {
		cfg.Extraction.Fields, _ = flags.GetStringSlice("fields")
	}
	if changed("concurrency") {
		cfg.Runner.Concurrency, _ = flags.GetInt("concurrency")
	}
	if changed("retries") {
		cfg.Runner.Retries, _ = flags.GetInt("retries")
	}
	if changed("timeout") {
		cfg.Runner.CallTimeout, _ = flags.GetDuration("timeout")
	}
	if changed("cache") {
		cfg.Cache.Backend, _ = flags.GetString("cache")
	}
	if changed("output") {
		cfg.Output.Dir, _ = flags.GetString("output")
	}

	return cfg, nil
}

func addDatasetFlags(cmd *cobra.Command) {
	cmd.Flags().String("dataset", "", "Path to parquet or jsonl dataset file")
	cmd.Flags().StringSlice("schematism", nil, "Only evaluate documents from these schematisms")
	cmd.Flags().Int("offset", 0, "Skip the first N selected documents")
	cmd.Flags().Int("sample", -1, "Number of documents to evaluate (-1 for all)")
	cmd.Flags().Bool("skip-empty", false, "Skip documents whose ground truth has no entities")
}

// NewRunCmd creates the run command
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate an extraction adapter against annotated schematism pages",
		Long: `Run an extraction adapter over a dataset partition, map every extracted value
onto the canonical vocabulary and score it against the ground truth.

Per-field precision, recall and F1 are reported together with macro and micro
averages. Pages without any entity are reported as coverage only. Interrupting
the run (Ctrl+C) stops dispatching documents and saves a partial report.`,
		Example: `  # Evaluate 20 pages with Ollama
  schematism eval run --dataset ./data/test.jsonl --vocabulary ./vocabulary.yaml --sample 20

  # Evaluate with OpenAI and a sqlite response cache
  schematism eval run --config eval.yaml --provider openai --model gpt-4o --cache sqlite

  # Evaluate the token classifier on one schematism
  schematism eval run --config eval.yaml --adapter token-classifier --tagger-url http://localhost:8000 --schematism wloclawek_1872`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			_, err = executeRun(cmd.Context(), cfg, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().String("config", "", "Path to YAML run configuration")
	addDatasetFlags(cmd)
	cmd.Flags().String("vocabulary", "", "Path to the canonical vocabulary YAML")
	cmd.Flags().String("adapter", "generative", "Extraction adapter (generative or token-classifier)")
	cmd.Flags().String("provider", "ollama", "LLM provider (ollama, openai, or gemini)")
	cmd.Flags().String("model", "", "Model name (defaults to provider's default)")
	cmd.Flags().Float64("temperature", 0.1, "Sampling temperature")
	cmd.Flags().String("tagger-url", "", "Token classification service URL")
	cmd.Flags().StringSlice("fields", nil, "Fields to evaluate (default all)")
	cmd.Flags().Int("concurrency", 4, "Number of documents evaluated in parallel")
	cmd.Flags().Int("retries", 1, "Retries of a retryable document failure")
	cmd.Flags().Duration("timeout", 0, "Timeout per adapter call (default from config)")
	cmd.Flags().String("cache", "none", "Response cache (none, memory, sqlite, redis)")
	cmd.Flags().String("output", "evals", "Output directory for run artifacts")

	return cmd
}

// NewReportCmd creates the report command
func NewReportCmd() *cobra.Command {
	var resultsPath string
	var format string
	var onlyFailures bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a detailed report from a saved run",
		Example: `  schematism eval report --results ./evals/<run-id>
  schematism eval report --results ./evals/<run-id>/report.json --format csv > run.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(format)
			return executeReport(cmd.OutOrStdout(), resultsPath, format, onlyFailures)
		},
	}

	cmd.Flags().StringVar(&resultsPath, "results", "", "Run directory or report.json (required)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, json, yaml, csv)")
	cmd.Flags().BoolVar(&onlyFailures, "failures", false, "Only list documents with at least one wrong field")
	_ = cmd.MarkFlagRequired("results")

	return cmd
}

// NewInspectCmd creates the inspect command
func NewInspectCmd() *cobra.Command {
	opts := inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect dataset documents, statistics and BIO labels",
		Long: `Inspect documents from a parquet or jsonl dataset file.

Prints per-schematism positive, negative and page-number-only counts, the
negative to positive ratio and BIO label issues, then the selected documents.`,
		Example: `  # Dataset statistics only
  schematism eval inspect --dataset ./data/train.parquet --stats

  # Step through the first 5 pages of one schematism
  schematism eval inspect --dataset ./data/train.parquet --schematism wloclawek_1872 --limit 5 --interactive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Dataset.Path == "" {
				return fmt.Errorf("--dataset is required")
			}
			return executeInspect(cmd.Context(), cmd.OutOrStdout(), cfg.Dataset, opts)
		},
	}

	cmd.Flags().String("config", "", "Path to YAML run configuration")
	addDatasetFlags(cmd)
	cmd.Flags().IntVar(&opts.limit, "limit", 10, "Number of documents to print (0 for all)")
	cmd.Flags().BoolVar(&opts.interactive, "interactive", false, "Pause after each document (press Enter to continue)")
	cmd.Flags().BoolVar(&opts.showText, "text", true, "Show OCR text")
	cmd.Flags().BoolVar(&opts.showTruth, "truth", true, "Show ground truth fields")
	cmd.Flags().BoolVar(&opts.showTags, "tags", true, "Validate BIO labels")
	cmd.Flags().BoolVar(&opts.statsOnly, "stats", false, "Only print dataset statistics")
	cmd.Flags().IntVar(&opts.previewChars, "preview", 500, "Characters of OCR text to show (0 for all)")

	return cmd
}

// NewResolveCmd creates the resolve command
func NewResolveCmd() *cobra.Command {
	var field string
	var parent string

	cmd := &cobra.Command{
		Use:   "resolve [raw value]",
		Short: "Map a raw string onto the canonical vocabulary",
		Example: `  schematism eval resolve --vocabulary ./vocabulary.yaml --field deanery "dekanat kaliski"
  schematism eval resolve --vocabulary ./vocabulary.yaml --field deanery --parent "Diocese of Włocławek" "Decanatus Calisiensis"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			mapper, err := LoadMapper(cfg)
			if err != nil {
				return err
			}
			_, err = executeResolve(cmd.OutOrStdout(), mapper, field, parent, args[0])
			return err
		},
	}

	cmd.Flags().String("config", "", "Path to YAML run configuration")
	cmd.Flags().String("vocabulary", "", "Path to the canonical vocabulary YAML")
	cmd.Flags().StringVar(&field, "field", "", "Field whose vocabulary is searched (required)")
	cmd.Flags().StringVar(&parent, "parent", "", "Resolved value of the parent field")
	_ = cmd.MarkFlagRequired("field")

	return cmd
}
