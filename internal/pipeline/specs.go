package pipeline

import (
	"context"
	"fmt"
	"io"

	"geometa/internal/config"
	"geometa/internal/parser/csv"
	"geometa/internal/parser/json"
	"geometa/internal/transformer"
)

// streamFn is the shared shape of the row parsers.
type streamFn func(
	ctx context.Context,
	src io.ReadCloser,
	opt config.Options,
	onHeader func([]string),
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error

func parserFor(kind string) (streamFn, error) {
	switch kind {
	case "csv":
		return csv.StreamCSVRows, nil
	case "json":
		return json.StreamJSONRows, nil
	default:
		return nil, fmt.Errorf("unsupported parser.kind=%q", kind)
	}
}

// specsFromConfig turns transform blocks into transformer specs, in order.
//
//	standardize   column_map, min_length, length_column
//	geo_defaults  no options
func specsFromConfig(ts []config.Transform) ([]transformer.Spec, error) {
	specs := make([]transformer.Spec, 0, len(ts))
	for i, t := range ts {
		switch t.Kind {
		case "standardize":
			specs = append(specs, transformer.StandardizeSpec{
				ColumnMap:    t.Options.StringMap("column_map"),
				MinLength:    t.Options.Int("min_length", 0),
				LengthColumn: t.Options.String("length_column", "length"),
			})
		case "geo_defaults":
			specs = append(specs, transformer.GeoDefaultsSpec{})
		default:
			return nil, fmt.Errorf("transform[%d]: unknown kind %q", i, t.Kind)
		}
	}
	return specs, nil
}
