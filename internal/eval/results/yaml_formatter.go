package results

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/schematism/internal/config"
	"github.com/lehigh-university-libraries/schematism/internal/eval/metrics"
	"github.com/lehigh-university-libraries/schematism/internal/eval/runner"
)

// EvalConfig represents the configuration section of the eval YAML
type EvalConfig struct {
	RunID       string   `yaml:"runid"`
	Adapter     string   `yaml:"adapter"`
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Temperature float64  `yaml:"temperature"`
	DatasetPath string   `yaml:"datasetpath"`
	Schematisms []string `yaml:"schematisms,omitempty"`
	Documents   int      `yaml:"documents"`
	Processed   int      `yaml:"processed"`
	State       string   `yaml:"state"`
	Timestamp   string   `yaml:"timestamp"`
}

// EvalResult represents a single evaluated document
type EvalResult struct {
	Identifier string            `yaml:"identifier"`
	Source     string            `yaml:"source"`
	Expected   map[string]string `yaml:"expected,omitempty"`
	Resolved   map[string]string `yaml:"resolved,omitempty"`
	Outcomes   map[string]string `yaml:"outcomes"`
	Error      string            `yaml:"error,omitempty"`
}

// EvalSpec represents the complete evaluation record
type EvalSpec struct {
	Config   EvalConfig       `yaml:"config"`
	Metrics  *metrics.Report  `yaml:"metrics"`
	Failures []runner.Failure `yaml:"failures,omitempty"`
	Results  []EvalResult     `yaml:"results"`
}

// Build converts a run report into its YAML record
func Build(cfg *config.Config, report *runner.Report, now time.Time) EvalSpec {
	spec := EvalSpec{
		Config: EvalConfig{
			RunID:       report.RunID,
			Adapter:     report.Adapter,
			Provider:    cfg.Extraction.Provider,
			Model:       cfg.Extraction.Model,
			Temperature: cfg.Extraction.Temperature,
			DatasetPath: cfg.Dataset.Path,
			Schematisms: cfg.Dataset.Schematisms,
			Documents:   report.Documents,
			Processed:   report.Processed,
			State:       string(report.State),
			Timestamp:   now.Format("2006-01-02_15-04-05"),
		},
		Metrics:  report.Metrics,
		Failures: report.Failures,
		Results:  make([]EvalResult, 0, len(report.Results)),
	}

	for _, r := range report.Results {
		res := EvalResult{
			Identifier: r.ID,
			Source:     r.Source,
			Outcomes:   make(map[string]string, len(r.Fields)),
			Error:      r.Error,
		}
		for _, f := range r.Fields {
			res.Outcomes[f.Field] = string(f.Outcome)
			if f.Expected != nil && *f.Expected != "" {
				if res.Expected == nil {
					res.Expected = map[string]string{}
				}
				res.Expected[f.Field] = *f.Expected
			}
			if f.Resolved.IsResolved() {
				if res.Resolved == nil {
					res.Resolved = map[string]string{}
				}
				res.Resolved[f.Field] = f.Resolved.Value
			}
		}
		spec.Results = append(spec.Results, res)
	}

	return spec
}

// SaveToYAML writes the run to <output dir>/<model>-<timestamp>.yaml and
// returns the file path.
func SaveToYAML(cfg *config.Config, report *runner.Report) (string, error) {
	dir := cfg.Output.Dir
	if dir == "" {
		dir = "evals"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create evals directory: %w", err)
	}

	spec := Build(cfg, report, time.Now())

	name := cfg.Extraction.Model
	if name == "" {
		name = report.Adapter
	}
	name = strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(name)
	filename := filepath.Join(dir, fmt.Sprintf("%s-%s.yaml", name, spec.Config.Timestamp))

	data, err := yaml.Marshal(&spec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write YAML file: %w", err)
	}

	return filename, nil
}
