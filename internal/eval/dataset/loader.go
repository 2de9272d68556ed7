package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/lehigh-university-libraries/schematism/internal/config"
	"github.com/lehigh-university-libraries/schematism/internal/models"
)

// LoadError means the dataset source could not be located or decoded
type LoadError struct {
	Path  string
	Cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load dataset %s: %v", e.Path, e.Cause)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Loader reads annotated schematism pages from a dataset file
type Loader struct {
	datasetPath string
}

// NewLoader creates a new dataset loader
func NewLoader(datasetPath string) *Loader {
	return &Loader{
		datasetPath: datasetPath,
	}
}

// Load reads every record from a dataset file (JSONL or Parquet)
func (l *Loader) Load() ([]Record, error) {
	return l.LoadSample(-1)
}

// LoadSample reads at most limit records; a negative limit reads all
func (l *Loader) LoadSample(limit int) ([]Record, error) {
	if _, err := os.Stat(l.datasetPath); err != nil {
		return nil, &LoadError{Path: l.datasetPath, Cause: err}
	}

	var records []Record
	var err error

	ext := strings.ToLower(filepath.Ext(l.datasetPath))
	switch ext {
	case ".parquet":
		records, err = l.loadParquet(limit)
	case ".jsonl", ".json":
		records, err = l.loadJSONL(limit)
	default:
		err = fmt.Errorf("unsupported file format: %s (supported: .parquet, .jsonl)", ext)
	}
	if err != nil {
		return nil, &LoadError{Path: l.datasetPath, Cause: err}
	}
	return records, nil
}

// loadJSONL loads records from a JSONL file
func (l *Loader) loadJSONL(limit int) ([]Record, error) {
	slog.Debug("Opening JSONL file", "path", l.datasetPath)

	file, err := os.Open(l.datasetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)

	// Increase buffer size for pages with many tokens
	const maxCapacity = 10 * 1024 * 1024 // 10MB per line
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		if limit >= 0 && len(records) >= limit {
			break
		}
		lineNum++
		line := scanner.Bytes()

		if len(line) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("failed to parse JSON at line %d: %w", lineNum, err)
		}

		records = append(records, record)

		if lineNum%1000 == 0 {
			slog.Debug("Reading JSONL", "lines_read", lineNum)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading dataset: %w", err)
	}

	slog.Debug("Finished reading JSONL file", "total_records", len(records), "total_lines", lineNum)

	return records, nil
}

// loadParquet loads records from a Parquet file
func (l *Loader) loadParquet(limit int) ([]Record, error) {
	slog.Debug("Opening Parquet file", "path", l.datasetPath)

	file, err := os.Open(l.datasetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}

	slog.Debug("Parquet file opened successfully", "num_rows", pf.NumRows(), "num_row_groups", len(pf.RowGroups()))

	reader := parquet.NewGenericReader[Record](pf)
	defer reader.Close()

	var records []Record

	batchNum := 0
	for limit < 0 || len(records) < limit {
		// fresh batch: the reader may reuse slices of rows it decoded into
		rows := make([]Record, 128)
		n, err := reader.Read(rows)
		if n > 0 {
			batchNum++
			if limit >= 0 && n > limit-len(records) {
				n = limit - len(records)
			}
			records = append(records, rows[:n]...)
			slog.Debug("Read batch from Parquet", "batch", batchNum, "rows_in_batch", n, "total_rows_read", len(records))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}

	slog.Debug("Finished reading Parquet file", "total_records", len(records), "total_batches", batchNum)

	return records, nil
}

// LoadExamples loads the dataset named by cfg and applies its schematism
// filter, empty-document filter and selection range, in that order.
func LoadExamples(cfg config.DatasetConfig) ([]models.Example, error) {
	records, err := NewLoader(cfg.Path).Load()
	if err != nil {
		return nil, err
	}

	examples := make([]models.Example, 0, len(records))
	truncated, extra := 0, 0
	for i := range records {
		ex, err := records[i].Example()
		if err != nil {
			return nil, &LoadError{Path: cfg.Path, Cause: err}
		}
		if ex.Truth.ExtraEntries > 0 {
			truncated++
			extra += ex.Truth.ExtraEntries
			slog.Debug("Ground truth has more than one entry", "document", ex.Document.ID, "unscored_entries", ex.Truth.ExtraEntries)
		}
		examples = append(examples, ex)
	}
	if truncated > 0 {
		slog.Warn("Only the first entry of multi-entry pages is scored", "path", cfg.Path, "pages", truncated, "unscored_entries", extra)
	}

	examples = Filter(examples, BySchematism(cfg.Schematisms...))
	if cfg.SkipEmpty {
		examples = Filter(examples, NonEmpty())
	}
	examples = Select(examples, cfg.Offset, cfg.Limit)

	slog.Info("Loaded dataset", "path", cfg.Path, "records", len(records), "selected", len(examples))
	return examples, nil
}
