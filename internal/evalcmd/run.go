package evalcmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/lehigh-university-libraries/schematism/internal/canon"
	"github.com/lehigh-university-libraries/schematism/internal/config"
	"github.com/lehigh-university-libraries/schematism/internal/eval/dataset"
	"github.com/lehigh-university-libraries/schematism/internal/eval/results"
	"github.com/lehigh-university-libraries/schematism/internal/eval/runner"
	"github.com/lehigh-university-libraries/schematism/internal/extract"
	"github.com/lehigh-university-libraries/schematism/internal/providers"
	"github.com/lehigh-university-libraries/schematism/internal/storage"
	"github.com/lehigh-university-libraries/schematism/internal/vocab"
)

// LoadMapper loads the vocabulary named by cfg and builds a mapper with the
// configured thresholds.
func LoadMapper(cfg *config.Config) (*canon.Mapper, error) {
	if cfg.Vocabulary.Path == "" {
		return nil, fmt.Errorf("vocabulary path is required")
	}

	store, err := vocab.Load(cfg.Vocabulary.Path, cfg.Vocabulary.Required)
	if err != nil {
		return nil, err
	}

	opts := []canon.Option{
		canon.WithThreshold(cfg.Canon.Threshold),
		canon.WithMargin(cfg.Canon.Margin),
		canon.WithTokenBonus(cfg.Canon.TokenBonus),
	}
	for field := range cfg.Canon.Fields {
		threshold, margin := cfg.Canon.FieldThresholds(field)
		opts = append(opts, canon.WithFieldThresholds(field, canon.Thresholds{Threshold: threshold, Margin: margin}))
	}

	slog.Debug("Loaded vocabulary", "path", cfg.Vocabulary.Path, "fields", store.Fields())
	return canon.NewMapper(store, opts...), nil
}

// buildAdapter wires the configured adapter. For the generative adapter the
// provider is wrapped in the response cache; the returned func closes it.
func buildAdapter(ctx context.Context, cfg *config.Config) (extract.Adapter, func(), error) {
	noop := func() {}
	if cfg.Extraction.Adapter != "generative" {
		adapter, err := extract.FromConfig(cfg.Extraction, nil)
		return adapter, noop, err
	}

	provider, err := extract.NewProvider(cfg.Extraction.Provider)
	if err != nil {
		return nil, noop, err
	}

	store, err := storage.Open(ctx, cfg.Cache)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to open response cache: %w", err)
	}
	closeStore := noop
	if store != nil {
		closeStore = func() {
			if err := store.Close(); err != nil {
				slog.Warn("Failed to close response cache", "error", err)
			}
		}
	}

	var p providers.Provider = storage.NewCachedProvider(provider, store)
	adapter, err := extract.FromConfig(cfg.Extraction, p)
	if err != nil {
		closeStore()
		return nil, noop, err
	}
	return adapter, closeStore, nil
}

// executeRun evaluates the configured adapter over the configured dataset
// partition and writes the run report. A cancelled run still saves the
// partial report before returning the cause.
func executeRun(ctx context.Context, cfg *config.Config, w io.Writer) (*runner.Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("Starting evaluation run", "dataset", cfg.Dataset.Path, "adapter", cfg.Extraction.Adapter,
		"provider", cfg.Extraction.Provider, "model", cfg.Extraction.Model)

	mapper, err := LoadMapper(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load vocabulary: %w", err)
	}

	examples, err := dataset.LoadExamples(cfg.Dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("no documents selected from %s", cfg.Dataset.Path)
	}

	adapter, cleanup, err := buildAdapter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	r := runner.New(mapper, runner.OptionsFromConfig(cfg.Runner, cfg.Extraction.Fields))
	report, runErr := r.Run(ctx, adapter, examples)
	if report == nil {
		return nil, runErr
	}

	printRunHeader(w, report)
	report.Metrics.PrintSummary(w)

	outputDir := filepath.Join(cfg.Output.Dir, report.RunID)
	resultsPath, err := runner.SaveResults(report, outputDir)
	if err != nil {
		return report, fmt.Errorf("failed to save results: %w", err)
	}
	yamlPath, err := results.SaveToYAML(cfg, report)
	if err != nil {
		return report, err
	}

	fmt.Fprintf(w, "\nResults saved to: %s\n", resultsPath)
	fmt.Fprintf(w, "Run record saved to: %s\n", yamlPath)
	fmt.Fprintf(w, "\nGenerate detailed report with:\n")
	fmt.Fprintf(w, "  schematism eval report --results %s\n", outputDir)

	return report, runErr
}

func printRunHeader(w io.Writer, report *runner.Report) {
	fmt.Fprintln(w, "\n========================================")
	fmt.Fprintln(w, "Evaluation Summary")
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Run:        %s\n", report.RunID)
	fmt.Fprintf(w, "Adapter:    %s\n", report.Adapter)
	fmt.Fprintf(w, "State:      %s\n", report.State)
	if report.AbortCause != "" {
		fmt.Fprintf(w, "Cause:      %s\n", report.AbortCause)
	}
	fmt.Fprintf(w, "Documents:  %d/%d processed\n", report.Processed, report.Documents)
	fmt.Fprintf(w, "Failures:   %d\n", len(report.Failures))
	fmt.Fprintf(w, "Duration:   %s\n", report.Duration.Round(time.Millisecond))
}
