package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/schematism/internal/canon"
	"github.com/lehigh-university-libraries/schematism/internal/extract"
	"github.com/lehigh-university-libraries/schematism/internal/models"
	"github.com/lehigh-university-libraries/schematism/internal/vocab"
)

type call struct {
	raw map[string]string
	err error
}

// fakeAdapter answers from a per-document script of calls
type fakeAdapter struct {
	mu      sync.Mutex
	scripts map[string][]call
	calls   map[string]int
	onCall  func(ctx context.Context, doc models.Document)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{scripts: map[string][]call{}, calls: map[string]int{}}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Extract(ctx context.Context, doc models.Document) (*extract.Result, error) {
	if f.onCall != nil {
		f.onCall(ctx, doc)
	}

	f.mu.Lock()
	n := f.calls[doc.ID]
	f.calls[doc.ID]++
	script := f.scripts[doc.ID]
	f.mu.Unlock()

	c := call{}
	if len(script) > 0 {
		if n >= len(script) {
			n = len(script) - 1
		}
		c = script[n]
	}
	if c.err != nil {
		return nil, c.err
	}

	result := &extract.Result{DocumentID: doc.ID, Fields: map[string]extract.Value{}}
	for field, raw := range c.raw {
		result.Fields[field] = extract.Value{Raw: raw, Confidence: 1}
	}
	return result, nil
}

func (f *fakeAdapter) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func testMapper(t *testing.T) *canon.Mapper {
	t.Helper()
	store, err := vocab.New([]vocab.List{
		{Field: "diocese", Entries: []vocab.Entry{{Value: "Diocese of Włocławek"}}},
		{Field: "deanery", Parent: "diocese", Scopes: []vocab.Scope{
			{Parent: "Diocese of Włocławek", Entries: []vocab.Entry{
				{Value: "Deanery of Kalisz", Variants: []string{"dekanat kaliski"}},
				{Value: "Deanery of Koło"},
			}},
		}},
		{Field: "dedication", Entries: []vocab.Entry{
			{Value: "St. Adalbert", Variants: []string{"św. Wojciecha"}},
			{Value: "St. Anne"},
		}},
	}, nil)
	require.NoError(t, err)
	return canon.NewMapper(store)
}

func example(id string, truth map[string]string) models.Example {
	fields := map[string]*string{}
	for k, v := range truth {
		fields[k] = models.Ptr(v)
	}
	return models.Example{
		Document: models.Document{ID: id, Source: "wloclawek_1872", Text: "page " + id},
		Truth:    models.AnnotatedRecord{Fields: fields},
	}
}

func testOptions() Options {
	return Options{
		Concurrency:   2,
		Retries:       1,
		CallTimeout:   time.Second,
		Fields:        []string{"page_number", "deanery", "dedication"},
		LiteralFields: []string{"page_number"},
	}
}

func TestRunResolvesVariantsEndToEnd(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.scripts["kalisz"] = []call{{raw: map[string]string{
		"deanery":    "dekanat kaliski",
		"dedication": "sw. Wojciecha",
	}}}

	r := New(testMapper(t), testOptions())
	report, err := r.Run(context.Background(), adapter, []models.Example{
		example("kalisz", map[string]string{"deanery": "Deanery of Kalisz", "dedication": "St. Adalbert"}),
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, StateCompleted, r.State())
	assert.Empty(t, report.Failures)
	assert.NotEmpty(t, report.RunID)

	assert.Equal(t, 1, report.Tally.Fields["deanery"].TP)
	assert.Equal(t, 1, report.Tally.Fields["dedication"].TP)
	assert.Equal(t, 1, report.Tally.Fields["page_number"].TN)

	for _, f := range []string{"deanery", "dedication"} {
		fm, ok := report.Metrics.Field(f)
		require.True(t, ok)
		require.NotNil(t, fm.Recall)
		assert.Equal(t, 1.0, *fm.Recall, f)
	}

	require.Len(t, report.Results, 1)
	assert.Equal(t, "Deanery of Kalisz", report.Results[0].Fields[1].Resolved.Value)
}

func TestRunRecordsNonRetryableTimeoutAsMiss(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.scripts["ok"] = []call{{raw: map[string]string{"deanery": "Deanery of Kalisz"}}}
	adapter.scripts["slow"] = []call{{err: &extract.InferenceError{Op: "generate", Cause: context.DeadlineExceeded}}}

	report, err := New(testMapper(t), testOptions()).Run(context.Background(), adapter, []models.Example{
		example("ok", map[string]string{"deanery": "Deanery of Kalisz"}),
		example("slow", map[string]string{"deanery": "Deanery of Koło", "dedication": "St. Anne"}),
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "slow", report.Failures[0].DocumentID)
	assert.False(t, report.Failures[0].Retryable)
	assert.True(t, report.Failed("slow"))
	assert.Equal(t, 1, adapter.callCount("slow"))

	assert.Equal(t, 1, report.Tally.Fields["deanery"].TP)
	assert.Equal(t, 1, report.Tally.Fields["deanery"].FN)
	assert.Equal(t, 1, report.Tally.Fields["dedication"].FN)
	assert.Equal(t, 0, report.Tally.Fields["dedication"].FP)
	assert.Equal(t, 2, report.Processed)
}

func TestRunRetriesRetryableFailures(t *testing.T) {
	adapter := newFakeAdapter()
	transient := &extract.InferenceError{Op: "generate", Retryable: true, Cause: errors.New("503")}
	adapter.scripts["flaky"] = []call{{err: transient}, {raw: map[string]string{"dedication": "St. Anne"}}}
	adapter.scripts["down"] = []call{{err: transient}}

	report, err := New(testMapper(t), testOptions()).Run(context.Background(), adapter, []models.Example{
		example("flaky", map[string]string{"dedication": "St. Anne"}),
		example("down", map[string]string{"dedication": "St. Anne"}),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, adapter.callCount("flaky"))
	assert.Equal(t, 2, adapter.callCount("down"))
	assert.Equal(t, 2, report.Results[0].Attempts)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, "down", report.Failures[0].DocumentID)
	assert.True(t, report.Failures[0].Retryable)
	assert.Equal(t, 1, report.Tally.Fields["dedication"].TP)
	assert.Equal(t, 1, report.Tally.Fields["dedication"].FN)
}

func TestRunAbortsOnMappingError(t *testing.T) {
	opts := testOptions()
	opts.Fields = []string{"deanery", "parish"}

	adapter := newFakeAdapter()
	r := New(testMapper(t), opts)
	report, err := r.Run(context.Background(), adapter, []models.Example{example("a", nil)})

	require.Error(t, err)
	assert.True(t, canon.IsMappingError(err))
	require.NotNil(t, report)
	assert.Equal(t, StateAborted, report.State)
	assert.NotEmpty(t, report.AbortCause)
	assert.Equal(t, StateAborted, r.State())
}

func TestRunCancellationKeepsPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inFlightErr error
	adapter := newFakeAdapter()
	adapter.onCall = func(callCtx context.Context, doc models.Document) {
		if doc.ID == "doc-0" {
			cancel()
			time.Sleep(10 * time.Millisecond)
			inFlightErr = callCtx.Err()
		}
	}

	var examples []models.Example
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("doc-%d", i)
		adapter.scripts[id] = []call{{raw: map[string]string{"dedication": "St. Anne"}}}
		examples = append(examples, example(id, map[string]string{"dedication": "St. Anne"}))
	}

	opts := testOptions()
	opts.Concurrency = 1
	report, err := New(testMapper(t), opts).Run(ctx, adapter, examples)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, report)
	assert.Equal(t, StateAborted, report.State)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Tally.Fields["dedication"].TP)
	assert.NoError(t, inFlightErr)
}

func TestRunTwiceIsRejected(t *testing.T) {
	r := New(testMapper(t), testOptions())
	_, err := r.Run(context.Background(), newFakeAdapter(), nil)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), newFakeAdapter(), nil)
	assert.ErrorIs(t, err, ErrNotIdle)
}

func TestRunIsOrderIndependent(t *testing.T) {
	build := func(concurrency int) *Report {
		adapter := newFakeAdapter()
		var examples []models.Example
		for i := 0; i < 40; i++ {
			id := fmt.Sprintf("doc-%d", i)
			raw := map[string]string{"dedication": "St. Anne"}
			if i%3 == 0 {
				raw["deanery"] = "Deanery of Kalish"
			}
			if i%5 == 0 {
				adapter.scripts[id] = []call{{err: &extract.InferenceError{Op: "generate", Cause: errors.New("bad")}}}
			} else {
				adapter.scripts[id] = []call{{raw: raw}}
			}
			examples = append(examples, example(id, map[string]string{"deanery": "Deanery of Kalisz", "dedication": "St. Adalbert"}))
		}
		opts := testOptions()
		opts.Concurrency = concurrency
		report, err := New(testMapper(t), opts).Run(context.Background(), adapter, examples)
		require.NoError(t, err)
		return report
	}

	serial := build(1)
	parallel := build(8)

	for _, f := range []string{"page_number", "deanery", "dedication"} {
		assert.Equal(t, *serial.Tally.Fields[f], *parallel.Tally.Fields[f], f)
	}
	assert.Len(t, parallel.Failures, 8)
	for i, res := range parallel.Results {
		assert.Equal(t, fmt.Sprintf("doc-%d", i), res.ID)
	}
}

func TestSaveAndLoadResults(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.scripts["a"] = []call{{raw: map[string]string{"deanery": "dekanat kaliski"}}}

	report, err := New(testMapper(t), testOptions()).Run(context.Background(), adapter, []models.Example{
		example("a", map[string]string{"deanery": "Deanery of Kalisz"}),
	})
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "run")
	path, err := SaveResults(report, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ReportFile), path)

	for _, p := range []string{dir, path} {
		loaded, err := LoadResults(p)
		require.NoError(t, err)
		assert.Equal(t, report.RunID, loaded.RunID)
		assert.Equal(t, StateCompleted, loaded.State)
		assert.Equal(t, 1, loaded.Tally.Fields["deanery"].TP)
	}
}
