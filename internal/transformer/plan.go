package transformer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Spec is one record-level step. Specs are compiled against the input column
// layout by BuildPlan; each may append or rename columns but never removes or
// reorders them, so positions resolved by earlier steps stay valid.
type Spec interface {
	compile(columns []string) ([]string, stepFunc, error)
}

// stepFunc rewrites v in place. It returns a non-empty reason to reject the
// record. len(v) is always the plan's output width.
type stepFunc func(v []any) (reject string)

// Plan is a compiled chain of Specs.
type Plan struct {
	In      []string // input layout, as produced by the parser
	Columns []string // output layout after every step
	steps   []stepFunc
}

// BuildPlan compiles specs, in order, against the input columns.
func BuildPlan(in []string, specs ...Spec) (*Plan, error) {
	p := &Plan{In: append([]string(nil), in...)}
	cols := append([]string(nil), in...)
	for i, s := range specs {
		next, fn, err := s.compile(cols)
		if err != nil {
			return nil, fmt.Errorf("transform[%d]: %w", i, err)
		}
		if err := checkUnique(next); err != nil {
			return nil, fmt.Errorf("transform[%d]: %w", i, err)
		}
		cols = next
		if fn != nil {
			p.steps = append(p.steps, fn)
		}
	}
	p.Columns = cols
	return p, nil
}

// Apply runs every step on r, growing r.V to the output width first.
// ok is false (with a reason) if a step rejected the record.
func (p *Plan) Apply(r *Row) (ok bool, reason string) {
	r.Grow(len(p.Columns))
	for _, fn := range p.steps {
		if why := fn(r.V); why != "" {
			return false, why
		}
	}
	return true, ""
}

func checkUnique(cols []string) error {
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if seen[c] {
			return fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = true
	}
	return nil
}

func indexOf(cols []string, name string) int {
	if name == "" {
		return -1
	}
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

// StandardizeSpec normalizes raw metadata records.
//
//   - Every source column named in ColumnMap that the input lacks is added
//     (all missing), then columns are renamed per ColumnMap.
//   - String cells are normalized to Unicode NFC and trimmed; cells that end
//     up empty become nil.
//   - With MinLength > 0, records whose LengthColumn parses as an integer
//     below MinLength are rejected. Missing or unparsable lengths pass.
type StandardizeSpec struct {
	ColumnMap    map[string]string
	MinLength    int
	LengthColumn string // default "length"
}

func (s StandardizeSpec) compile(in []string) ([]string, stepFunc, error) {
	cols := append([]string(nil), in...)

	// Deterministic order for added columns.
	srcs := make([]string, 0, len(s.ColumnMap))
	for src := range s.ColumnMap {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	for _, src := range srcs {
		if indexOf(cols, src) < 0 {
			cols = append(cols, src)
		}
	}
	for i, c := range cols {
		if to, ok := s.ColumnMap[c]; ok && to != "" {
			cols[i] = to
		}
	}

	lengthCol := s.LengthColumn
	if lengthCol == "" {
		lengthCol = "length"
	}
	lengthIx := -1
	if s.MinLength > 0 {
		lengthIx = indexOf(cols, lengthCol)
	}
	minLen := s.MinLength

	fn := func(v []any) string {
		for i, x := range v {
			str, ok := x.(string)
			if !ok {
				continue
			}
			str = strings.TrimSpace(norm.NFC.String(str))
			if str == "" {
				v[i] = nil
			} else {
				v[i] = str
			}
		}
		if lengthIx >= 0 {
			if n, ok := asInt(v[lengthIx]); ok && n < minLen {
				return fmt.Sprintf("standardize: %s=%d below %d", lengthCol, n, minLen)
			}
		}
		return ""
	}
	return cols, fn, nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// GeoLevels are the location levels GeoDefaultsSpec fills, coarsest first.
var GeoLevels = []string{"region", "country", "division"}

// GeoDefaultsSpec fills geographic fields that annotations did not provide.
//
//   - A missing division is set to the country, so an empty division is
//     never counted as its own group.
//   - Each "<level>_exposure" column is filled from "<level>" where missing;
//     if the column does not exist it is added as a copy of "<level>".
//
// Levels absent from the input are skipped.
type GeoDefaultsSpec struct{}

func (GeoDefaultsSpec) compile(in []string) ([]string, stepFunc, error) {
	cols := append([]string(nil), in...)

	type pair struct{ base, exposure int }
	var pairs []pair
	for _, lvl := range GeoLevels {
		b := indexOf(cols, lvl)
		if b < 0 {
			continue
		}
		e := indexOf(cols, lvl+"_exposure")
		if e < 0 {
			cols = append(cols, lvl+"_exposure")
			e = len(cols) - 1
		}
		pairs = append(pairs, pair{base: b, exposure: e})
	}

	division := indexOf(cols, "division")
	country := indexOf(cols, "country")

	fn := func(v []any) string {
		if division >= 0 && country >= 0 && v[division] == nil {
			v[division] = v[country]
		}
		for _, p := range pairs {
			if v[p.exposure] == nil {
				v[p.exposure] = v[p.base]
			}
		}
		return ""
	}
	return cols, fn, nil
}
