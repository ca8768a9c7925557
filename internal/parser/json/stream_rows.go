package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"geometa/internal/config"
	"geometa/internal/transformer"
)

// ErrNoColumns is returned when the "columns" option is missing. JSON records
// carry no header, so the layout must be named up front.
var ErrNoColumns = errors.New("json: the columns option is required")

// StreamJSONRows streams metadata records from a JSON array of objects or
// from newline-delimited objects (NDJSON, as produced by sequence-database
// feeds) into pooled *transformer.Row values laid out as the "columns" option.
//
// Options:
//
//	columns               required output layout
//	header_map            original key -> column name
//	array_join_separator  joins array-of-strings values, default ","
//
// Cell rules: strings are kept (empty -> nil), numbers keep their literal
// text, booleans become "true"/"false", arrays of strings are joined, nested
// objects become nil. Missing keys are nil.
//
// A syntax error or a non-object element is reported to onErr and returned;
// the decoder cannot resynchronise after it.
func StreamJSONRows(
	ctx context.Context,
	src io.ReadCloser,
	opt config.Options,
	onHeader func(columns []string),
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	columns := opt.StringSlice("columns")
	if len(columns) == 0 {
		return ErrNoColumns
	}
	if onHeader != nil {
		onHeader(append([]string(nil), columns...))
	}

	rev := reverseHeaderMap(opt.StringMap("header_map"))
	sep := opt.String("array_join_separator", ",")
	if sep == "" {
		sep = ","
	}

	dec := json.NewDecoder(src)
	dec.UseNumber()

	record := 0
	fail := func(err error) error {
		if onErr != nil {
			onErr(record+1, err)
		}
		return err
	}

	emit := func(raw any) error {
		if raw == nil {
			return nil
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return fail(fmt.Errorf("json: record is %T, want object", raw))
		}
		record++

		row := transformer.GetRow(len(columns))
		row.Line = record
		fillRow(row.V, obj, columns, rev, sep)

		select {
		case out <- row:
			return nil
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}

	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fail(fmt.Errorf("json: read first token: %w", err))
	}

	switch tok {
	case json.Delim('['):
		for dec.More() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var raw any
			if err := dec.Decode(&raw); err != nil {
				return fail(fmt.Errorf("json: decode array element: %w", err))
			}
			if err := emit(raw); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return fail(fmt.Errorf("json: read array end: %w", err))
		}
		return nil

	case json.Delim('{'):
		// NDJSON: the first object is already open; decode it field by field,
		// then continue with whole-object decodes.
		first, err := decodeOpenObject(dec)
		if err != nil {
			return fail(err)
		}
		if err := emit(first); err != nil {
			return err
		}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			var raw any
			err := dec.Decode(&raw)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fail(fmt.Errorf("json: decode record: %w", err))
			}
			if err := emit(raw); err != nil {
				return err
			}
		}

	default:
		return fail(fmt.Errorf("json: unsupported root token %v (want object or array)", tok))
	}
}

// decodeOpenObject reads the remaining fields of an object whose '{' has been
// consumed, including the closing '}'.
func decodeOpenObject(dec *json.Decoder) (map[string]any, error) {
	obj := make(map[string]any)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: read object key: %w", err)
		}
		k, ok := kt.(string)
		if !ok {
			return nil, fmt.Errorf("json: object key is %T, want string", kt)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("json: decode value of %q: %w", k, err)
		}
		obj[k] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("json: read object end: %w", err)
	}
	return obj, nil
}

// reverseHeaderMap turns original->column into column->original.
func reverseHeaderMap(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for orig, col := range h {
		if orig == "" || col == "" {
			continue
		}
		out[col] = orig
	}
	return out
}

func fillRow(dst []any, obj map[string]any, columns []string, rev map[string]string, sep string) {
	for i, col := range columns {
		v, ok := obj[col]
		if !ok {
			if orig, ok := rev[col]; ok {
				v = obj[orig]
			}
		}
		dst[i] = scalarCell(v, sep)
	}
}

func scalarCell(v any, sep string) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case []any:
		ss := make([]string, 0, len(t))
		for _, it := range t {
			s, ok := it.(string)
			if !ok {
				if it == nil {
					continue
				}
				return nil
			}
			ss = append(ss, s)
		}
		if len(ss) == 0 {
			return nil
		}
		return strings.Join(ss, sep)
	default:
		return nil
	}
}
