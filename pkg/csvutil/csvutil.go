// Package csvutil reads header-indexed CSV input files.
package csvutil

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Reader yields records of a CSV file whose first row is a header.
type Reader struct {
	name   string
	reader *csv.Reader
	header []string
	cols   map[string]int
}

// Record is one data row with its line number.
type Record struct {
	Line   int
	fields []string
	cols   map[string]int
	err    error
}

// NewReader reads the header and checks that every required column is
// present. Lines starting with '#' are comments.
func NewReader(r io.Reader, name string, required ...string) (*Reader, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: reading header: %w", name, err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}

	for _, col := range required {
		if _, ok := cols[col]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", name, col)
		}
	}

	return &Reader{name: name, reader: reader, header: header, cols: cols}, nil
}

// Header returns the header fields as read.
func (r *Reader) Header() []string {
	return r.header
}

// Has reports whether the file has the given column.
func (r *Reader) Has(col string) bool {
	_, ok := r.cols[col]

	return ok
}

// Next returns the next record, or io.EOF at the end of the file.
func (r *Reader) Next() (*Record, error) {
	fields, err := r.reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}

	line, _ := r.reader.FieldPos(0)

	return &Record{Line: line, fields: fields, cols: r.cols}, nil
}

// Err returns the first conversion error of the record, annotated with
// the line number.
func (rec *Record) Err() error {
	if rec.err == nil {
		return nil
	}

	return fmt.Errorf("line %d: %w", rec.Line, rec.err)
}

// String returns the trimmed value of a column, empty when absent.
func (rec *Record) String(col string) string {
	idx, ok := rec.cols[col]
	if !ok || idx >= len(rec.fields) {
		return ""
	}

	return strings.TrimSpace(rec.fields[idx])
}

// Float parses a float64 column.
func (rec *Record) Float(col string) float64 {
	if rec.err != nil {
		return 0
	}

	v, err := strconv.ParseFloat(rec.String(col), 64)
	if err != nil {
		rec.err = fmt.Errorf("column %s: %w", col, err)
	}

	return v
}

// Uint parses an unsigned column of the given bit size.
func (rec *Record) Uint(col string, bits int) uint64 {
	if rec.err != nil {
		return 0
	}

	v, err := strconv.ParseUint(rec.String(col), 10, bits)
	if err != nil {
		rec.err = fmt.Errorf("column %s: %w", col, err)
	}

	return v
}

// Fail records a validation error for the record.
func (rec *Record) Fail(format string, args ...any) {
	if rec.err == nil {
		rec.err = fmt.Errorf(format, args...)
	}
}
