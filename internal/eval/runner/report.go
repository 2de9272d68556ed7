package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lehigh-university-libraries/schematism/internal/eval/metrics"
)

// ReportFile is the name of the run report inside an output directory
const ReportFile = "report.json"

// Failure is a document whose extraction failed
type Failure struct {
	DocumentID string `json:"document_id" yaml:"documentid"`
	Source     string `json:"source" yaml:"source"`
	Cause      string `json:"cause" yaml:"cause"`
	Retryable  bool   `json:"retryable" yaml:"retryable"`
	Attempts   int    `json:"attempts" yaml:"attempts"`
}

// Report is the outcome of one run. An aborted run still carries every
// document evaluated before it stopped.
type Report struct {
	RunID      string                   `json:"run_id" yaml:"runid"`
	Adapter    string                   `json:"adapter" yaml:"adapter"`
	State      State                    `json:"state" yaml:"state"`
	AbortCause string                   `json:"abort_cause,omitempty" yaml:"abortcause,omitempty"`
	StartedAt  time.Time                `json:"started_at" yaml:"startedat"`
	FinishedAt time.Time                `json:"finished_at" yaml:"finishedat"`
	Duration   time.Duration            `json:"duration" yaml:"duration"`
	Documents  int                      `json:"documents" yaml:"documents"`
	Processed  int                      `json:"processed" yaml:"processed"`
	Fields     []string                 `json:"fields" yaml:"fields"`
	Tally      *metrics.Tally           `json:"tally" yaml:"tally"`
	Metrics    *metrics.Report          `json:"metrics" yaml:"metrics"`
	Failures   []Failure                `json:"failures" yaml:"failures"`
	Results    []metrics.DocumentResult `json:"results" yaml:"results"`
}

func (r *Report) sortResults() {
	sort.Slice(r.Results, func(i, j int) bool {
		return r.Results[i].Index < r.Results[j].Index
	})
	order := make(map[string]int, len(r.Results))
	for _, res := range r.Results {
		order[res.ID] = res.Index
	}
	sort.SliceStable(r.Failures, func(i, j int) bool {
		return order[r.Failures[i].DocumentID] < order[r.Failures[j].DocumentID]
	})
}

// Failed reports whether the document with id is in the failure list
func (r *Report) Failed(id string) bool {
	for _, f := range r.Failures {
		if f.DocumentID == id {
			return true
		}
	}
	return false
}

// SaveResults writes the report as JSON into outputDir
func SaveResults(report *Report, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	resultsPath := filepath.Join(outputDir, ReportFile)
	file, err := os.Create(resultsPath)
	if err != nil {
		return "", fmt.Errorf("failed to create results file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}

	return resultsPath, nil
}

// LoadResults reads a report saved by SaveResults. path may be the report
// file or the directory holding it.
func LoadResults(path string) (*Report, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, ReportFile)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	defer file.Close()

	var report Report
	if err := json.NewDecoder(file).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}

	return &report, nil
}
