package dataset

// csv.go is the on-disk codec. The roster format is a plain CSV file whose
// first row is the column header. Reading preserves column order and row
// order; short rows are padded with empty values so the record/schema
// invariant holds, and rows wider than the header are rejected — truncating
// them would silently lose the extra cells on the next commit. Writing
// normalizes only what encoding/csv normalizes: line endings and quoting.
// Values, column order, and row order survive a load-commit-load round trip
// unchanged.

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadFile loads a roster file fully into memory.
func ReadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()
	d, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", path, err)
	}
	return d, nil
}

// Read parses CSV content from r. The first row is the header; an empty
// input (no header row) is an error.
func Read(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // tolerate ragged rows, pad below
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	for i, h := range header {
		header[i] = cleanHeader(h)
	}

	d := New(header)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) > len(d.Columns) {
			return nil, fmt.Errorf("line %d: %d cells for %d columns", line, len(row), len(d.Columns))
		}
		rec := d.BlankRecord()
		for i, col := range d.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		d.Rows = append(d.Rows, rec)
	}
	return d, nil
}

// Write emits the dataset as CSV: header row first, then rows in order,
// cells in schema column order.
func (d *Dataset) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(d.Columns); err != nil {
		return fmt.Errorf("dataset: write header: %w", err)
	}
	row := make([]string, len(d.Columns))
	for i, rec := range d.Rows {
		for j, col := range d.Columns {
			row[j] = rec[col]
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("dataset: write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// cleanHeader trims whitespace and a UTF-8 BOM; spreadsheet exports from
// Windows routinely carry both.
func cleanHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.TrimSpace(h)
}
