package hierarchy

import (
	"strings"
	"unicode"
)

// IdentifierColumn keys the wide-to-long reshape: one long row per record
// and resolution type.
const IdentifierColumn = "gisaid_epi_isl"

// ResolutionTypeColumn is the discriminator column produced by WideToLong.
const ResolutionTypeColumn = "resolution_type"

// ExactSuffix is the resolution type assigned to a column named exactly
// after its level (e.g. "region" is read as "region_strain").
const ExactSuffix = "strain"

// Variant is one source column feeding a level.
type Variant struct {
	Column string // source column name as it appears in the input
	Index  int    // position in the input frame
	Suffix string // resolution type, e.g. "strain" or "exposure"
}

// Schema is the explicit level -> source column mapping computed by Discover.
type Schema struct {
	IDIndex  int
	Levels   []string
	Variants [][]Variant // Variants[i] feeds Levels[i], in input column order

	// Suffixes is the union of resolution types across levels, in order of
	// first appearance in the input columns.
	Suffixes []string
}

// Variant returns the column feeding level i for suffix, if any.
func (s Schema) Variant(level int, suffix string) (Variant, bool) {
	for _, v := range s.Variants[level] {
		if v.Suffix == suffix {
			return v, true
		}
	}
	return Variant{}, false
}

// Discover maps each requested level to the source columns that feed it.
//
// A column feeds level h when it is named exactly h (resolution type
// "strain") or matches h + "_" + one or more word characters. The identifier
// column never feeds a level.
//
// Errors:
//   - ErrNoLevels if levels is empty.
//   - ErrMissingIdentifierColumn if IdentifierColumn is absent.
//   - *AmbiguousColumnError if a column matches two levels, or a level gets
//     two columns with the same resolution type.
//   - *SchemaError for the first level without any matching column.
func Discover(columns []string, levels []string) (Schema, error) {
	if len(levels) == 0 {
		return Schema{}, ErrNoLevels
	}

	s := Schema{
		IDIndex:  -1,
		Levels:   append([]string(nil), levels...),
		Variants: make([][]Variant, len(levels)),
	}

	for i, c := range columns {
		if c == IdentifierColumn {
			s.IDIndex = i
			break
		}
	}
	if s.IDIndex < 0 {
		return Schema{}, ErrMissingIdentifierColumn
	}

	exact := make(map[string]bool, len(levels))
	for _, h := range levels {
		exact[h] = true
	}
	seenSuffix := map[string]bool{}

	for i, c := range columns {
		if i == s.IDIndex {
			continue
		}

		// The exact column is read as its "_strain" variant so it matches
		// the same pattern as every other variant.
		long := c
		if exact[c] {
			long = c + "_" + ExactSuffix
		}

		var claimedBy []int
		var suffix string
		for li, h := range levels {
			sfx, ok := stubSuffix(long, h)
			if !ok {
				continue
			}
			claimedBy = append(claimedBy, li)
			suffix = sfx
		}

		switch len(claimedBy) {
		case 0:
			continue
		case 1:
		default:
			names := make([]string, len(claimedBy))
			for k, li := range claimedBy {
				names[k] = levels[li]
			}
			return Schema{}, &AmbiguousColumnError{Column: c, Levels: names}
		}

		li := claimedBy[0]
		if prev, dup := s.Variant(li, suffix); dup {
			return Schema{}, &AmbiguousColumnError{Column: c, Levels: []string{levels[li]}, Collides: prev.Column}
		}
		s.Variants[li] = append(s.Variants[li], Variant{Column: c, Index: i, Suffix: suffix})

		if !seenSuffix[suffix] {
			seenSuffix[suffix] = true
			s.Suffixes = append(s.Suffixes, suffix)
		}
	}

	for li, h := range levels {
		if len(s.Variants[li]) == 0 {
			return Schema{}, &SchemaError{Level: h}
		}
	}

	return s, nil
}

// stubSuffix returns the suffix of name when it is stub + "_" + \w+.
func stubSuffix(name, stub string) (string, bool) {
	prefix := stub + "_"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	sfx := name[len(prefix):]
	if sfx == "" {
		return "", false
	}
	for _, r := range sfx {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			return "", false
		}
	}
	return sfx, true
}
