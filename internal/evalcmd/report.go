package evalcmd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/schematism/internal/eval/metrics"
	"github.com/lehigh-university-libraries/schematism/internal/eval/runner"
)

func executeReport(w io.Writer, resultsPath, format string, onlyFailures bool) error {
	report, err := runner.LoadResults(resultsPath)
	if err != nil {
		return fmt.Errorf("failed to load results: %w", err)
	}

	switch format {
	case "text":
		return printTextReport(w, report, onlyFailures)
	case "json":
		return printJSONReport(w, report)
	case "yaml":
		return printYAMLReport(w, report)
	case "csv":
		return printCSVReport(w, report)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printTextReport(w io.Writer, report *runner.Report, onlyFailures bool) error {
	fmt.Fprintln(w, "========================================")
	fmt.Fprintln(w, "Schematism Extraction Evaluation Report")
	fmt.Fprintln(w, "========================================")
	printRunHeader(w, report)
	fmt.Fprintln(w)

	if report.Metrics != nil {
		report.Metrics.PrintSummary(w)
	}

	if len(report.Failures) > 0 {
		fmt.Fprintln(w, "\nFailures:")
		for _, f := range report.Failures {
			retry := ""
			if f.Retryable {
				retry = ", retryable"
			}
			fmt.Fprintf(w, "  %s (%d attempts%s): %s\n", f.DocumentID, f.Attempts, retry, truncate(f.Cause, 120))
		}
	}

	fmt.Fprintln(w, "\nDetailed Results:")
	fmt.Fprintln(w, "========================================")

	for i, result := range report.Results {
		if onlyFailures && !hasError(result) {
			continue
		}

		fmt.Fprintf(w, "\n[%d] %s (%s)\n", i+1, result.ID, result.Source)
		if result.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", truncate(result.Error, 120))
		}

		for _, f := range result.Fields {
			if onlyFailures && (f.Outcome == metrics.OutcomeTP || f.Outcome == metrics.OutcomeTN) {
				continue
			}
			expected := "-"
			if f.Expected != nil && *f.Expected != "" {
				expected = *f.Expected
			}
			fmt.Fprintf(w, "  %-18s %-9s expected=%-30s %s\n", f.Field, strings.ToUpper(string(f.Outcome)),
				truncate(expected, 30), describe(f))
		}
	}

	return nil
}

// hasError reports whether any field of the result was not counted correct
func hasError(result metrics.DocumentResult) bool {
	if result.Error != "" {
		return true
	}
	for _, f := range result.Fields {
		if f.Outcome != metrics.OutcomeTP && f.Outcome != metrics.OutcomeTN {
			return true
		}
	}
	return false
}

func describe(f metrics.FieldResult) string {
	r := f.Resolved
	switch {
	case r.IsNull():
		return "got=-"
	case r.IsUnresolved():
		s := fmt.Sprintf("unresolved(%s) raw=%q", r.Reason, truncate(r.Raw, 40))
		if r.RunnerUp != "" {
			s += fmt.Sprintf(" runner-up=%q", r.RunnerUp)
		}
		return s
	default:
		return fmt.Sprintf("got=%s (%.2f)", truncate(r.Value, 40), r.Score)
	}
}

func printJSONReport(w io.Writer, report *runner.Report) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func printYAMLReport(w io.Writer, report *runner.Report) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	return encoder.Encode(report)
}

func printCSVReport(w io.Writer, report *runner.Report) error {
	writer := csv.NewWriter(w)

	header := []string{"ID", "Source", "Attempts", "Error"}
	for _, field := range report.Fields {
		header = append(header, "Outcome_"+field, "Value_"+field)
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, result := range report.Results {
		row := []string{result.ID, result.Source, fmt.Sprintf("%d", result.Attempts), result.Error}

		byField := make(map[string]metrics.FieldResult, len(result.Fields))
		for _, f := range result.Fields {
			byField[f.Field] = f
		}
		for _, field := range report.Fields {
			f, ok := byField[field]
			if !ok {
				row = append(row, "", "")
				continue
			}
			row = append(row, string(f.Outcome), f.Resolved.Value)
		}

		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
