// Package hierarchy extracts the unique location hierarchies (for example
// region -> country -> division) present in a metadata table.
//
// Each level may be spread across several columns: the plain column
// ("region") and any number of variants ("region_exposure"). Extract reads
// all of them, so a record sampled in Europe with exposure in Asia
// contributes both an "Europe" and an "Asia" hierarchy.
package hierarchy

import (
	"sort"
	"strconv"
	"strings"

	"geometa/internal/frame"
)

// Extract returns one row per unique combination of values across levels.
//
// The result has exactly the columns in levels, in that order. Missing values
// become "", duplicate rows are removed and rows are sorted ascending by the
// level tuple, left to right, comparing strings byte-wise. A tuple that is
// empty at every level carries no location and is not reported.
//
// metadata is not modified. See Discover for the errors returned when the
// input does not carry the identifier column or a level.
func Extract(metadata frame.Frame, levels []string) (frame.Frame, error) {
	s, err := Discover(metadata.Columns, levels)
	if err != nil {
		return frame.Frame{}, err
	}

	long := WideToLong(metadata, s)

	// Drop the (identifier, resolution_type) scaffolding.
	first := 2
	seen := make(map[string]struct{}, long.Len())
	out := frame.New(levels...)
	out.Rows = make([][]any, 0, long.Len())

	var key strings.Builder
	for _, r := range long.Rows {
		tuple := make([]any, len(levels))
		empty := true
		key.Reset()
		for i := range levels {
			v, _ := frame.Text(r[first+i])
			tuple[i] = v
			if v != "" {
				empty = false
			}
			key.WriteString(strconv.Itoa(len(v)))
			key.WriteByte(':')
			key.WriteString(v)
		}
		if empty {
			continue
		}
		k := key.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, tuple)
	}

	sort.SliceStable(out.Rows, func(i, j int) bool {
		return compareTuples(out.Rows[i], out.Rows[j]) < 0
	})

	return out, nil
}

// WideToLong unpivots the level variants of metadata into one row per
// record and resolution type.
//
// The result columns are IdentifierColumn, ResolutionTypeColumn, then one
// column per level. A level without a column for some resolution type gets a
// nil cell in that row. Row count is metadata.Len() * len(s.Suffixes).
func WideToLong(metadata frame.Frame, s Schema) frame.Frame {
	cols := make([]string, 0, 2+len(s.Levels))
	cols = append(cols, IdentifierColumn, ResolutionTypeColumn)
	cols = append(cols, s.Levels...)

	// srcIx[suffix][level] = input position, or -1.
	srcIx := make([][]int, len(s.Suffixes))
	for si, sfx := range s.Suffixes {
		srcIx[si] = make([]int, len(s.Levels))
		for li := range s.Levels {
			srcIx[si][li] = -1
			if v, ok := s.Variant(li, sfx); ok {
				srcIx[si][li] = v.Index
			}
		}
	}

	out := frame.Frame{
		Columns: cols,
		Rows:    make([][]any, 0, len(metadata.Rows)*len(s.Suffixes)),
	}
	for _, r := range metadata.Rows {
		for si, sfx := range s.Suffixes {
			row := make([]any, len(cols))
			row[0] = r[s.IDIndex]
			row[1] = sfx
			for li, ix := range srcIx[si] {
				if ix >= 0 {
					row[2+li] = r[ix]
				}
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

func compareTuples(a, b []any) int {
	for i := range a {
		as, _ := a[i].(string)
		bs, _ := b[i].(string)
		if c := strings.Compare(as, bs); c != 0 {
			return c
		}
	}
	return 0
}
