package frame

import (
	"encoding/csv"
	"fmt"
	"io"
)

// WriteDelimited writes f as a delimited file with a header row.
// Missing cells are written as empty fields. comma defaults to '\t'.
func WriteDelimited(w io.Writer, f Frame, comma rune) error {
	if comma == 0 {
		comma = '\t'
	}
	cw := csv.NewWriter(w)
	cw.Comma = comma

	if err := cw.Write(f.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	rec := make([]string, len(f.Columns))
	for i, r := range f.Rows {
		for j := range rec {
			rec[j] = ""
			if j < len(r) {
				if s, ok := Text(r[j]); ok {
					rec[j] = s
				}
			}
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
