package probe

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"geometa/internal/frame"
)

// parsedSample is the sample as a frame with normalized column names.
// Empty cells are nil.
type parsedSample struct {
	table     frame.Frame
	headerMap map[string]string // raw -> normalized, only entries that differ
	comma     rune
}

// candidateDelimiters are tried in this order; ties go to the earlier one.
var candidateDelimiters = []rune{'\t', ',', ';', '|'}

// detectDelimiter picks the candidate that occurs most often in the header
// line. Metadata exports are usually TSV.
func detectDelimiter(headerLine []byte) rune {
	best, bestN := '\t', 0
	for _, d := range candidateDelimiters {
		if n := bytes.Count(headerLine, []byte(string(d))); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

// sampleDelimited parses a delimited sample. The sample is cut at the last
// newline so a truncated record is not read; rows with the wrong field count
// are skipped.
func sampleDelimited(sample []byte) (parsedSample, error) {
	sample = bytes.TrimPrefix(sample, []byte("\uFEFF"))
	if i := bytes.LastIndexByte(sample, '\n'); i > 0 {
		sample = sample[:i+1]
	}
	if len(bytes.TrimSpace(sample)) == 0 {
		return parsedSample{}, errors.New("probe: empty sample")
	}

	headerLine := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		headerLine = sample[:i]
	}
	comma := detectDelimiter(headerLine)

	r := csv.NewReader(bytes.NewReader(sample))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	raw, err := r.Read()
	if err != nil {
		return parsedSample{}, fmt.Errorf("probe: read header: %w", err)
	}
	for i := range raw {
		raw[i] = strings.TrimSpace(raw[i])
	}
	cols, hm := normalizeHeaders(raw)

	table := frame.New(cols...)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return parsedSample{}, fmt.Errorf("probe: read sample: %w", err)
		}
		// Wrong-width rows are rejected by Append and skipped.
		_ = table.Append(textCells(rec)...)
	}

	return parsedSample{table: table, headerMap: hm, comma: comma}, nil
}

// sampleJSON reads objects from a root array or an NDJSON stream until the
// sample ends. Keys are collected in first-appearance order; the record the
// sample cut in half is dropped.
func sampleJSON(sample []byte) (parsedSample, error) {
	dec := json.NewDecoder(bytes.NewReader(sample))
	dec.UseNumber()

	var (
		keys  []string
		index = map[string]int{}
		recs  []map[string]string
	)
	addKey := func(k string) {
		if _, ok := index[k]; !ok {
			index[k] = len(keys)
			keys = append(keys, k)
		}
	}

	tok, err := dec.Token()
	if err != nil {
		return parsedSample{}, fmt.Errorf("probe: read json: %w", err)
	}
	inArray := tok == json.Delim('[')
	if !inArray && tok != json.Delim('{') {
		return parsedSample{}, fmt.Errorf("probe: json root is %v, want object or array", tok)
	}
	if inArray {
		if !dec.More() {
			return parsedSample{}, errors.New("probe: empty json array")
		}
		if tok, err = dec.Token(); err != nil || tok != json.Delim('{') {
			return parsedSample{}, errors.New("probe: json array must hold objects")
		}
	}

	// The opening '{' of the current record has been consumed.
	for {
		rec, order, err := readObjectBody(dec)
		if err != nil {
			break
		}
		for _, k := range order {
			addKey(k)
		}
		recs = append(recs, rec)

		if inArray && !dec.More() {
			break
		}
		if tok, err = dec.Token(); err != nil || tok != json.Delim('{') {
			break
		}
	}
	if len(keys) == 0 {
		return parsedSample{}, errors.New("probe: no json records in sample")
	}

	cols, hm := normalizeHeaders(keys)
	table := frame.New(cols...)
	for _, rec := range recs {
		vals := make([]string, len(keys))
		for i, k := range keys {
			vals[i] = rec[k]
		}
		_ = table.Append(textCells(vals)...)
	}
	return parsedSample{table: table, headerMap: hm}, nil
}

// textCells trims vals and maps empty strings to nil cells.
func textCells(vals []string) []any {
	cells := make([]any, len(vals))
	for i, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			cells[i] = v
		}
	}
	return cells
}

// readObjectBody reads key/value pairs up to and including the closing '}'.
func readObjectBody(dec *json.Decoder) (map[string]string, []string, error) {
	rec := map[string]string{}
	var order []string
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		k, ok := kt.(string)
		if !ok {
			return nil, nil, fmt.Errorf("object key is %T", kt)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		rec[k] = stringifyScalar(v)
		order = append(order, k)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return rec, order, nil
}

func stringifyScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, x := range t {
			if s := stringifyScalar(x); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// distinctCapPerColumn bounds memory for high-cardinality columns.
const distinctCapPerColumn = 10000

// sampleUniqueness holds bounded distinct counts per column. Ratios use
// per-column denominators: a row counts for a column only when the column has
// a value in it.
type sampleUniqueness struct {
	TotalRows         int
	PerColumnTotal    map[string]int
	PerColumnDistinct map[string]int
	PerColumnCapped   map[string]bool
	ColumnOrder       []string
}

// computeUniqueness counts the non-empty and distinct values of the selected
// columns. Columns missing from the table are reported as empty.
func computeUniqueness(table frame.Frame, selected []string) sampleUniqueness {
	stats := sampleUniqueness{
		TotalRows:         table.Len(),
		PerColumnTotal:    make(map[string]int, len(selected)),
		PerColumnDistinct: make(map[string]int, len(selected)),
		PerColumnCapped:   make(map[string]bool, len(selected)),
		ColumnOrder:       append([]string(nil), selected...),
	}

	for _, c := range selected {
		cells, ok := table.Column(c)
		if !ok {
			continue
		}
		seen := map[string]struct{}{}
		for _, v := range cells {
			s, ok := frame.Text(v)
			if s = strings.TrimSpace(s); !ok || s == "" {
				continue
			}
			stats.PerColumnTotal[c]++
			if seen == nil {
				continue
			}
			seen[s] = struct{}{}
			if len(seen) >= distinctCapPerColumn {
				stats.PerColumnCapped[c] = true
				seen = nil
			}
		}
		if stats.PerColumnCapped[c] {
			stats.PerColumnDistinct[c] = distinctCapPerColumn
		} else {
			stats.PerColumnDistinct[c] = len(seen)
		}
	}
	return stats
}

// formatUniquenessReport renders stats most-repetitive first. Columns with
// no values in the sample are listed as empty at the end.
func formatUniquenessReport(stats sampleUniqueness) string {
	if stats.TotalRows <= 0 {
		return "uniqueness: no rows sampled"
	}

	type row struct {
		col    string
		dist   int
		den    int
		ratio  float64
		capped bool
	}
	var rows []row
	var empty []string
	for _, c := range stats.ColumnOrder {
		den := stats.PerColumnTotal[c]
		if den <= 0 {
			empty = append(empty, c)
			continue
		}
		d := stats.PerColumnDistinct[c]
		rows = append(rows, row{col: c, dist: d, den: den, ratio: float64(d) / float64(den), capped: stats.PerColumnCapped[c]})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ratio == rows[j].ratio {
			return rows[i].col < rows[j].col
		}
		return rows[i].ratio < rows[j].ratio
	})

	var b strings.Builder
	fmt.Fprintf(&b, "uniqueness report:\tsampled_rows=%d\n", stats.TotalRows)
	fmt.Fprintf(&b, "%-24s\t%-7s\t%-7s\tratio\tcapped\n", "col", "unique", "rows")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-24s\t%-7d\t%-7d\t%.1f%%\t%t\n", r.col, r.dist, r.den, r.ratio*100, r.capped)
	}
	for _, c := range empty {
		fmt.Fprintf(&b, "%-24s\t(empty)\n", c)
	}
	return strings.TrimRight(b.String(), "\n")
}
