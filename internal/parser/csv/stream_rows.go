package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"geometa/internal/config"
	"geometa/internal/transformer"
)

// ErrNoColumns is returned when has_header=false and no "columns" option
// names the layout.
var ErrNoColumns = errors.New("csv: has_header=false requires the columns option")

// StreamCSVRows streams delimited metadata into pooled *transformer.Row
// values laid out in input column order.
//
// The column layout is reported once through onHeader before any row is sent:
// either the file header (BOM stripped, trimmed, renamed via header_map) or,
// with has_header=false, the "columns" option.
//
// Options:
//
//	comma            field delimiter, default ','; "\t" for TSV
//	has_header       default true
//	header_map       raw header -> column name
//	trim_space       trim cells, default true
//	lazy_quotes      default false
//	columns          layout when has_header=false
//
// Empty cells are sent as nil. Malformed records are reported to onErr and
// skipped; a header read failure is returned.
//
// On ctx cancellation in-flight rows are dropped, not re-pooled, so a
// downstream stage that is still draining cannot observe a reused row.
func StreamCSVRows(
	ctx context.Context,
	src io.ReadCloser,
	opt config.Options,
	onHeader func(columns []string),
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	var line int

	hasHeader := opt.Bool("has_header", true)
	trim := opt.Bool("trim_space", true)
	hm := opt.StringMap("header_map")

	cr := csv.NewReader(src)
	cr.Comma = opt.Rune("comma", ',')
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	cr.FieldsPerRecord = -1

	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	var columns []string
	if hasHeader {
		hdr, err := readRec()
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("empty input")
			}
			err = fmt.Errorf("read header: %w", err)
			if onErr != nil {
				onErr(line, err)
			}
			return err
		}
		columns = make([]string, len(hdr))
		for i, h := range hdr {
			if i == 0 {
				h = strings.TrimPrefix(h, "\uFEFF")
			}
			h = strings.TrimSpace(h)
			if mapped, ok := hm[h]; ok {
				h = mapped
			}
			columns[i] = h
		}
	} else {
		columns = opt.StringSlice("columns")
		if len(columns) == 0 {
			return ErrNoColumns
		}
	}

	if onHeader != nil {
		onHeader(append([]string(nil), columns...))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}
		if len(rec) > len(columns) {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %d fields, header has %d", len(rec), len(columns)))
			}
			continue
		}

		row := transformer.GetRow(len(columns))
		row.Line = line

		for i, v := range rec {
			if trim {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				row.V[i] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
}
