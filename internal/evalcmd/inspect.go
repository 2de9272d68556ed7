package evalcmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lehigh-university-libraries/schematism/internal/config"
	"github.com/lehigh-university-libraries/schematism/internal/eval/dataset"
	"github.com/lehigh-university-libraries/schematism/internal/models"
)

type inspectOptions struct {
	limit        int
	interactive  bool
	showText     bool
	showTruth    bool
	showTags     bool
	statsOnly    bool
	previewChars int
}

func executeInspect(ctx context.Context, w io.Writer, cfg config.DatasetConfig, opts inspectOptions) error {
	examples, err := dataset.LoadExamples(cfg)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}

	fmt.Fprintf(w, "Loaded %d documents from %s\n", len(examples), cfg.Path)
	dataset.ComputeStats(examples).Print(w)
	if opts.statsOnly {
		return nil
	}

	if opts.limit > 0 && opts.limit < len(examples) {
		examples = examples[:opts.limit]
	}

	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintln(w)

	reader := bufio.NewReader(os.Stdin)

	for i, ex := range examples {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "\nInspection interrupted.")
			return nil
		default:
		}

		printExample(w, i, len(examples), ex, opts)

		if !opts.interactive {
			fmt.Fprintln(w)
			continue
		}

		fmt.Fprint(w, "Press Enter to continue to next document (or Ctrl+C to quit)...")
		inputCh := make(chan struct{})
		go func() {
			_, _ = reader.ReadString('\n')
			close(inputCh)
		}()

		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "\nInspection interrupted.")
			return nil
		case <-inputCh:
			fmt.Fprintln(w)
		}
	}

	return nil
}

func printExample(w io.Writer, i, total int, ex models.Example, opts inspectOptions) {
	doc := ex.Document
	fmt.Fprintf(w, "DOCUMENT %d/%d\n", i+1, total)
	fmt.Fprintln(w, strings.Repeat("-", 80))
	fmt.Fprintf(w, "ID:          %s\n", doc.ID)
	fmt.Fprintf(w, "Schematism:  %s\n", doc.Source)
	fmt.Fprintf(w, "Tokens:      %d\n", len(doc.Tokens))

	if opts.showTruth {
		fmt.Fprintln(w, "Ground truth:")
		if ex.Truth.IsEmpty() {
			fmt.Fprintln(w, "  (no entities)")
		}
		for _, field := range models.DefaultFields {
			if v := ex.Truth.Value(field); v != nil && *v != "" {
				fmt.Fprintf(w, "  %-18s %s\n", field, *v)
			}
		}
	}

	if opts.showTags && len(doc.Tokens) > 0 {
		labels := make([]string, len(doc.Tokens))
		for j, t := range doc.Tokens {
			labels[j] = t.Label
		}
		issues := dataset.ValidateTags(labels)
		fmt.Fprintf(w, "BIO issues:  %d\n", len(issues))
		for _, issue := range issues {
			fmt.Fprintf(w, "  %s\n", issue)
		}
	}

	if opts.showText {
		text := doc.LayoutText()
		fmt.Fprintf(w, "Text length: %d characters, %d words (approx)\n", len(text), len(strings.Fields(text)))
		fmt.Fprintln(w, strings.Repeat("-", 80))

		preview := text
		if opts.previewChars > 0 && len(preview) > opts.previewChars {
			preview = preview[:opts.previewChars]
		}
		fmt.Fprintln(w, preview)
		if len(preview) < len(text) {
			fmt.Fprintf(w, "\n[... truncated, showing first %d of %d characters ...]\n", len(preview), len(text))
		}
		fmt.Fprintln(w, strings.Repeat("-", 80))
	}
}
