package evalcmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/schematism/internal/canon"
	"github.com/lehigh-university-libraries/schematism/internal/config"
	"github.com/lehigh-university-libraries/schematism/internal/eval/runner"
)

const testVocabulary = `fields:
  diocese:
    entries:
      - value: Diocese of Włocławek
  deanery:
    parent: diocese
    scopes:
      Diocese of Włocławek:
        - value: Deanery of Kalisz
          variants: [dekanat kaliski]
        - value: Deanery of Koło
`

const testDataset = `{"id": "w-41", "schematism_name": "wloclawek_1872", "text": "dekanat kaliski", "results": {"deanery": "Deanery of Kalisz"}}
{"id": "w-42", "schematism_name": "wloclawek_1872", "text": "", "results": {"deanery": "Deanery of Koło"}}
{"id": "w-43", "schematism_name": "wloclawek_1872", "text": "Index", "results": {"deanery": "[brak_informacji]"}}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// taggerServer labels the first word B-deanery and the rest I-deanery,
// except single-word pages which are outside.
func taggerServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Words []string `json:"words"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tags := make([]string, len(req.Words))
		conf := make([]float64, len(req.Words))
		for i := range req.Words {
			conf[i] = 0.9
			switch {
			case len(req.Words) == 1:
				tags[i] = "O"
			case i == 0:
				tags[i] = "B-deanery"
			default:
				tags[i] = "I-deanery"
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tags": tags, "confidences": conf})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Dataset.Path = writeFile(t, dir, "test.jsonl", testDataset)
	cfg.Vocabulary.Path = writeFile(t, dir, "vocabulary.yaml", testVocabulary)
	cfg.Vocabulary.Required = []string{"diocese", "deanery"}
	cfg.Extraction.Fields = []string{"page_number", "deanery"}
	cfg.Output.Dir = filepath.Join(dir, "evals")
	return cfg
}

func TestExecuteRunWithTokenClassifier(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Extraction.Adapter = "token-classifier"
	cfg.Extraction.TaggerURL = taggerServer(t).URL
	cfg.Runner.Concurrency = 2
	cfg.Runner.CallTimeout = 5 * time.Second

	var out bytes.Buffer
	report, err := executeRun(context.Background(), cfg, &out)
	require.NoError(t, err)

	assert.Equal(t, runner.StateCompleted, report.State)
	assert.Equal(t, 3, report.Processed)
	assert.Empty(t, report.Failures)

	deanery := report.Tally.Fields["deanery"]
	assert.Equal(t, 1, deanery.TP)
	assert.Equal(t, 1, deanery.FN)
	assert.Equal(t, 1, deanery.TN)
	assert.Equal(t, 3, report.Tally.Fields["page_number"].TN)

	assert.Equal(t, 3, report.Metrics.Coverage.Documents)
	assert.Equal(t, 1, report.Metrics.Coverage.OutsideDocuments)

	saved, err := runner.LoadResults(filepath.Join(cfg.Output.Dir, report.RunID))
	require.NoError(t, err)
	assert.Equal(t, report.RunID, saved.RunID)

	yamls, err := filepath.Glob(filepath.Join(cfg.Output.Dir, "*.yaml"))
	require.NoError(t, err)
	assert.Len(t, yamls, 1)

	assert.Contains(t, out.String(), "MACRO")
	assert.Contains(t, out.String(), report.RunID)
}

func TestExecuteRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Extraction.Adapter = "token-classifier"
	cfg.Extraction.TaggerURL = ""

	_, err := executeRun(context.Background(), cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tagger_url")
}

func TestExecuteRunAbortsOnFieldWithoutVocabulary(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Extraction.Adapter = "token-classifier"
	cfg.Extraction.TaggerURL = taggerServer(t).URL
	cfg.Extraction.Fields = []string{"deanery", "parish"}

	report, err := executeRun(context.Background(), cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, canon.IsMappingError(err))
	require.NotNil(t, report)
	assert.Equal(t, runner.StateAborted, report.State)
}

func savedReport(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Extraction.Adapter = "token-classifier"
	cfg.Extraction.TaggerURL = taggerServer(t).URL

	report, err := executeRun(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	return filepath.Join(cfg.Output.Dir, report.RunID)
}

func TestExecuteReportFormats(t *testing.T) {
	path := savedReport(t)

	var text bytes.Buffer
	require.NoError(t, executeReport(&text, path, "text", false))
	assert.Contains(t, text.String(), "w-41")
	assert.Contains(t, text.String(), "Deanery of Kalisz")

	var failures bytes.Buffer
	require.NoError(t, executeReport(&failures, path, "text", true))
	assert.NotContains(t, failures.String(), "] w-41")
	assert.Contains(t, failures.String(), "] w-42")

	var csvOut bytes.Buffer
	require.NoError(t, executeReport(&csvOut, path, "csv", false))
	lines := strings.Split(strings.TrimSpace(csvOut.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ID,Source,Attempts,Error,Outcome_page_number,Value_page_number,Outcome_deanery,Value_deanery", lines[0])
	assert.Contains(t, lines[1], "tp,Deanery of Kalisz")

	var jsonOut bytes.Buffer
	require.NoError(t, executeReport(&jsonOut, path, "json", false))
	var decoded runner.Report
	require.NoError(t, json.Unmarshal(jsonOut.Bytes(), &decoded))
	assert.Len(t, decoded.Results, 3)

	var yamlOut bytes.Buffer
	require.NoError(t, executeReport(&yamlOut, path, "yaml", false))
	assert.Contains(t, yamlOut.String(), "runid:")

	assert.Error(t, executeReport(&bytes.Buffer{}, path, "xml", false))
}

func TestExecuteResolve(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	mapper, err := LoadMapper(cfg)
	require.NoError(t, err)

	var out bytes.Buffer
	r, err := executeResolve(&out, mapper, "deanery", "Diocese of Włocławek", "dekanat kaliski")
	require.NoError(t, err)
	assert.Equal(t, "Deanery of Kalisz", r.Value)
	assert.Contains(t, out.String(), "Value:     Deanery of Kalisz")

	_, err = executeResolve(&out, mapper, "diocese", "anything", "Diocese of Włocławek")
	assert.Error(t, err)

	_, err = executeResolve(&out, mapper, "parish", "", "St. Mary")
	assert.True(t, canon.IsMappingError(err))
}

func TestLoadConfigAppliesChangedFlags(t *testing.T) {
	cmd := NewRunCmd()
	require.NoError(t, cmd.Flags().Set("sample", "5"))
	require.NoError(t, cmd.Flags().Set("schematism", "wloclawek_1872,plock_1898"))
	require.NoError(t, cmd.Flags().Set("timeout", "30s"))

	cfg, err := loadConfig(cmd.Flags())
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Dataset.Limit)
	assert.Equal(t, []string{"wloclawek_1872", "plock_1898"}, cfg.Dataset.Schematisms)
	assert.Equal(t, 30*time.Second, cfg.Runner.CallTimeout)
	// unchanged flags keep the config defaults
	assert.Equal(t, 4, cfg.Runner.Concurrency)
	assert.Equal(t, "generative", cfg.Extraction.Adapter)
}
