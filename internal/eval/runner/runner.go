// Package runner drives an extraction adapter over a dataset partition,
// canonicalizes what it extracts and scores it against ground truth.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lehigh-university-libraries/schematism/internal/canon"
	"github.com/lehigh-university-libraries/schematism/internal/config"
	"github.com/lehigh-university-libraries/schematism/internal/eval/dataset"
	"github.com/lehigh-university-libraries/schematism/internal/eval/metrics"
	"github.com/lehigh-university-libraries/schematism/internal/extract"
	"github.com/lehigh-university-libraries/schematism/internal/models"
)

// State of a run
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// ErrNotIdle is returned when Run is called on a runner that already ran
var ErrNotIdle = errors.New("runner is not idle")

// Options bound one run
type Options struct {
	Concurrency int
	Retries     int
	CallTimeout time.Duration
	// Fields are scored in this order
	Fields []string
	// LiteralFields are compared verbatim instead of through the vocabulary
	LiteralFields []string
}

// OptionsFromConfig builds run options from the runner section and the
// evaluated field list.
func OptionsFromConfig(cfg config.RunnerConfig, fields []string) Options {
	return Options{
		Concurrency:   cfg.Concurrency,
		Retries:       cfg.Retries,
		CallTimeout:   cfg.CallTimeout,
		Fields:        fields,
		LiteralFields: []string{models.FieldPageNumber},
	}
}

// Runner evaluates one adapter over one dataset partition. A Runner is used
// for a single run.
type Runner struct {
	mapper *canon.Mapper
	opts   Options

	mu    sync.Mutex
	state State
}

// New returns an idle runner
func New(mapper *canon.Mapper, opts Options) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if len(opts.Fields) == 0 {
		opts.Fields = models.DefaultFields
	}
	return &Runner{mapper: mapper, opts: opts, state: StateIdle}
}

// State returns the current run state
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) transition(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// fatal marks an error that aborts the whole run
type fatal struct {
	err error
}

func (f *fatal) Error() string { return f.err.Error() }
func (f *fatal) Unwrap() error { return f.err }

func isConfigDefect(err error) bool {
	var loadErr *dataset.LoadError
	return canon.IsMappingError(err) || errors.As(err, &loadErr)
}

// worker holds the partial results of one worker goroutine
type worker struct {
	tally    *metrics.Tally
	results  []metrics.DocumentResult
	failures []Failure
}

// Run evaluates adapter over examples. The returned report is never nil
// once the run has started; on cancellation or a configuration defect it is
// a partial report in the Aborted state and the cause is also returned.
func (r *Runner) Run(ctx context.Context, adapter extract.Adapter, examples []models.Example) (*Report, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return nil, ErrNotIdle
	}
	r.state = StateRunning
	r.mu.Unlock()

	report := &Report{
		RunID:     uuid.New().String(),
		Adapter:   adapter.Name(),
		State:     StateRunning,
		StartedAt: time.Now(),
		Documents: len(examples),
		Fields:    r.opts.Fields,
	}
	slog.Info("Starting evaluation run", "run_id", report.RunID, "adapter", report.Adapter,
		"documents", len(examples), "concurrency", r.opts.Concurrency)

	jobs := make(chan int)
	workers := make([]*worker, r.opts.Concurrency)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for i := range examples {
			if gctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case jobs <- i:
			case <-gctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := range workers {
		wk := &worker{tally: metrics.NewTally()}
		workers[w] = wk
		g.Go(func() error {
			for i := range jobs {
				if gctx.Err() != nil {
					continue
				}
				res, failure, err := r.evaluate(gctx, adapter, examples[i], wk.tally)
				if err != nil {
					return &fatal{err: err}
				}
				res.Index = i
				wk.results = append(wk.results, res)
				if failure != nil {
					wk.failures = append(wk.failures, *failure)
				}
			}
			return nil
		})
	}

	runErr := g.Wait()

	tally := metrics.NewTally()
	for _, wk := range workers {
		tally.Merge(wk.tally)
		report.Results = append(report.Results, wk.results...)
		report.Failures = append(report.Failures, wk.failures...)
	}
	report.sortResults()
	report.Processed = len(report.Results)
	report.Tally = tally
	report.Metrics = metrics.Aggregate(tally, r.opts.Fields)
	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)

	var f *fatal
	switch {
	case errors.As(runErr, &f):
		runErr = f.err
	case runErr == nil && report.Processed < report.Documents && ctx.Err() != nil:
		runErr = ctx.Err()
	}

	if runErr != nil {
		report.State = StateAborted
		report.AbortCause = runErr.Error()
		r.transition(StateAborted)
		slog.Error("Evaluation run aborted", "run_id", report.RunID, "processed", report.Processed,
			"documents", report.Documents, "error", runErr)
		return report, fmt.Errorf("run %s aborted: %w", report.RunID, runErr)
	}

	report.State = StateCompleted
	r.transition(StateCompleted)
	slog.Info("Evaluation run completed", "run_id", report.RunID, "processed", report.Processed,
		"failures", len(report.Failures), "duration", report.Duration)
	return report, nil
}

// evaluate extracts, resolves and scores one document into tally. Inference
// failures are returned as a Failure with all fields scored as null; only a
// configuration defect is returned as an error.
func (r *Runner) evaluate(ctx context.Context, adapter extract.Adapter, ex models.Example, tally *metrics.Tally) (metrics.DocumentResult, *Failure, error) {
	start := time.Now()
	doc := ex.Document
	res := metrics.DocumentResult{ID: doc.ID, Source: doc.Source}

	result, attempts, err := r.extract(ctx, adapter, doc)
	res.Attempts = attempts

	var failure *Failure
	resolved := map[string]canon.Resolved{}
	if err != nil {
		if isConfigDefect(err) {
			return res, nil, err
		}
		slog.Warn("Document failed", "document", doc.ID, "attempts", attempts, "error", err)
		failure = &Failure{
			DocumentID: doc.ID,
			Source:     doc.Source,
			Cause:      err.Error(),
			Retryable:  extract.IsRetryable(err),
			Attempts:   attempts,
		}
		res.Error = err.Error()
	} else {
		resolved, err = r.resolve(result)
		if err != nil {
			return res, nil, err
		}
	}

	tally.ObserveDocument(ex.Truth, doc.Tokens)
	res.Fields = tally.RecordDocument(r.opts.Fields, ex.Truth, resolved)
	res.ProcessingTime = time.Since(start)
	return res, failure, nil
}

// extract calls the adapter, retrying retryable failures. Each call gets its
// own timeout and is detached from run cancellation so in-flight calls
// finish or time out on their own.
func (r *Runner) extract(ctx context.Context, adapter extract.Adapter, doc models.Document) (*extract.Result, int, error) {
	var lastErr error
	attempts := 0
	for try := 0; try <= r.opts.Retries; try++ {
		callCtx := context.WithoutCancel(ctx)
		cancel := func() {}
		if r.opts.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(callCtx, r.opts.CallTimeout)
		}
		result, err := adapter.Extract(callCtx, doc)
		cancel()
		attempts++

		if err == nil {
			return result, attempts, nil
		}
		lastErr = err
		if !extract.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		slog.Debug("Retrying document", "document", doc.ID, "attempt", attempts, "error", err)
	}
	return nil, attempts, lastErr
}

func (r *Runner) resolve(result *extract.Result) (map[string]canon.Resolved, error) {
	raw := result.Raw()

	literal := make(map[string]bool, len(r.opts.LiteralFields))
	for _, f := range r.opts.LiteralFields {
		literal[f] = true
	}

	var mapped []string
	out := make(map[string]canon.Resolved, len(r.opts.Fields))
	for _, f := range r.opts.Fields {
		if !literal[f] {
			mapped = append(mapped, f)
			continue
		}
		value := ""
		if v := raw[f]; v != nil {
			value = *v
		}
		out[f] = canon.Literal(f, value)
	}

	if len(mapped) > 0 {
		resolved, err := r.mapper.ResolveAll(raw, mapped)
		if err != nil {
			return nil, err
		}
		for f, v := range resolved {
			out[f] = v
		}
	}
	return out, nil
}
