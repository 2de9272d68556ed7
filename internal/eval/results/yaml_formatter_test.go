package results

import (
	"os"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/schematism/internal/canon"
	"github.com/lehigh-university-libraries/schematism/internal/config"
	"github.com/lehigh-university-libraries/schematism/internal/eval/metrics"
	"github.com/lehigh-university-libraries/schematism/internal/eval/runner"
	"github.com/lehigh-university-libraries/schematism/internal/models"
)

func testReport() *runner.Report {
	tally := metrics.NewTally()
	fields := tally.RecordDocument(
		[]string{"deanery", "dedication"},
		models.AnnotatedRecord{Fields: map[string]*string{"deanery": models.Ptr("Deanery of Kalisz")}},
		map[string]canon.Resolved{
			"deanery":    {Field: "deanery", Status: canon.StatusResolved, Value: "Deanery of Kalisz"},
			"dedication": {Field: "dedication", Status: canon.StatusUnresolved, Reason: canon.ReasonAmbiguous},
		},
	)
	return &runner.Report{
		RunID:     "run-1",
		Adapter:   "generative/ollama/mistral",
		State:     runner.StateCompleted,
		Documents: 1,
		Processed: 1,
		Tally:     tally,
		Metrics:   metrics.Aggregate(tally, nil),
		Results:   []metrics.DocumentResult{{ID: "wloclawek_1872_12", Source: "wloclawek_1872", Fields: fields}},
	}
}

func TestBuild(t *testing.T) {
	cfg := config.Default()
	cfg.Extraction.Model = "mistral"
	cfg.Dataset.Path = "data/test.jsonl"

	spec := Build(cfg, testReport(), time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	if spec.Config.Timestamp != "2024-05-01_10-00-00" {
		t.Errorf("Expected timestamp 2024-05-01_10-00-00, got %s", spec.Config.Timestamp)
	}
	if spec.Config.State != "completed" {
		t.Errorf("Expected completed state, got %s", spec.Config.State)
	}
	if len(spec.Results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(spec.Results))
	}

	r := spec.Results[0]
	if r.Resolved["deanery"] != "Deanery of Kalisz" {
		t.Errorf("Expected resolved deanery, got %v", r.Resolved)
	}
	if _, ok := r.Resolved["dedication"]; ok {
		t.Errorf("Expected unresolved dedication to be omitted, got %v", r.Resolved)
	}
	if r.Outcomes["deanery"] != "tp" || r.Outcomes["dedication"] != "fp" {
		t.Errorf("Expected tp and fp outcomes, got %v", r.Outcomes)
	}
}

func TestSaveToYAML(t *testing.T) {
	cfg := config.Default()
	cfg.Extraction.Model = "mistral-small3.2:24b"
	cfg.Output.Dir = t.TempDir()

	path, err := SaveToYAML(cfg, testReport())
	if err != nil {
		t.Fatalf("SaveToYAML failed: %v", err)
	}
	if !strings.Contains(path, "mistral-small3.2_24b-") {
		t.Errorf("Expected model name in file name, got %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}

	var spec EvalSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		t.Fatalf("Failed to parse YAML: %v", err)
	}
	if spec.Config.RunID != "run-1" {
		t.Errorf("Expected run-1, got %s", spec.Config.RunID)
	}
	if spec.Metrics == nil || len(spec.Metrics.Fields) != 2 {
		t.Errorf("Expected metrics for 2 fields, got %+v", spec.Metrics)
	}
}
