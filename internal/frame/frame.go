// Package frame holds the in-memory table passed between the parser, the
// transformers and the hierarchy extractor.
//
// A Frame is a positional table: Columns names each position and every row
// in Rows has exactly len(Columns) cells. A nil cell is the missing marker.
// Cells are normally strings; other scalar types are allowed and are
// stringified by consumers that need text.
package frame

import (
	"fmt"
)

// Frame is a rows × named-columns table.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// New returns an empty frame with the given columns.
func New(columns ...string) Frame {
	return Frame{Columns: append([]string(nil), columns...)}
}

// Len returns the number of rows.
func (f Frame) Len() int { return len(f.Rows) }

// Index returns the position of column name, or -1.
func (f Frame) Index(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the cells of column name.
// The bool result is false if the column does not exist.
func (f Frame) Column(name string) ([]any, bool) {
	ix := f.Index(name)
	if ix < 0 {
		return nil, false
	}
	out := make([]any, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r[ix]
	}
	return out, true
}

// Append adds a row. The row must have one cell per column.
func (f *Frame) Append(row ...any) error {
	if len(row) != len(f.Columns) {
		return fmt.Errorf("frame: row has %d cells, want %d", len(row), len(f.Columns))
	}
	f.Rows = append(f.Rows, row)
	return nil
}

// Text returns v as a string. nil is reported with ok=false.
func Text(v any) (s string, ok bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case []byte:
		return string(t), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(v), true
	}
}
