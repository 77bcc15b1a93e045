package sink

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nao1215/consoleharvest/internal/model"
)

// Fixed leading CSV columns.
const (
	ColumnKey       = "key"
	ColumnPlatform  = "platform"
	ColumnFetchedAt = "fetched_at"
)

// ErrHeaderMismatch is returned when an existing file has a different header.
var ErrHeaderMismatch = errors.New("existing CSV header does not match")

// CSVFile appends records to a CSV file. The header is written only when
// the file is new or empty; every later batch is appended. Each batch is
// fsynced before Append returns. CSVFile is safe for concurrent use, though
// the harvesters only ever write from one goroutine.
type CSVFile struct {
	mu      sync.Mutex
	path    string
	columns []string
	fields  []string
}

// NewCSVFile prepares a CSV sink at path with the given record fields as
// columns after key, platform and fetched_at. Field order is normalized by
// sorting. If the file already has content, its header must match.
func NewCSVFile(path string, fields []string) (*CSVFile, error) {
	sorted := slices.Clone(fields)
	sort.Strings(sorted)
	sorted = slices.Compact(sorted)

	columns := append([]string{ColumnKey, ColumnPlatform, ColumnFetchedAt}, sorted...)

	c := &CSVFile{path: path, columns: columns, fields: sorted}
	if err := c.checkHeader(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the file path.
func (c *CSVFile) Path() string {
	return c.path
}

// Columns returns the header columns.
func (c *CSVFile) Columns() []string {
	return slices.Clone(c.columns)
}

// checkHeader compares the header of a non-empty existing file.
func (c *CSVFile) checkHeader() error {
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(bufio.NewReader(f)).Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	if !slices.Equal(header, c.columns) {
		return fmt.Errorf("%w: %s has %v, want %v", ErrHeaderMismatch, c.path, header, c.columns)
	}
	return nil
}

// Append writes records as one batch.
func (c *CSVFile) Append(records []model.Record) error {
	if len(records) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0750); err != nil {
		return fmt.Errorf("failed to create CSV directory: %w", err)
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat CSV file: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(c.columns); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}

	row := make([]string, len(c.columns))
	for _, r := range records {
		row[0] = r.Key
		row[1] = r.Platform
		row[2] = ""
		if !r.FetchedAt.IsZero() {
			row[2] = r.FetchedAt.UTC().Format(time.RFC3339)
		}
		for i, name := range c.fields {
			row[3+i] = r.Field(name)
		}
		if err := w.Write(row); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync CSV: %w", err)
	}
	return f.Close()
}
