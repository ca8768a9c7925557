package hierarchy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemaMismatch means no column matches a requested level, neither
	// the exact name nor any "<level>_<suffix>" variant.
	ErrSchemaMismatch = errors.New("hierarchy: schema mismatch")

	// ErrMissingIdentifierColumn means the record identifier column is absent.
	ErrMissingIdentifierColumn = errors.New("hierarchy: missing identifier column")

	// ErrAmbiguousColumn means one source column would feed two levels, or one
	// level would receive two columns for the same resolution type.
	ErrAmbiguousColumn = errors.New("hierarchy: ambiguous column")

	// ErrNoLevels means the caller asked for an empty hierarchy.
	ErrNoLevels = errors.New("hierarchy: no levels requested")
)

// SchemaError reports the level that had no matching columns.
type SchemaError struct {
	Level string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("hierarchy: no column matches level %q or %q", e.Level, e.Level+"_*")
}

func (e *SchemaError) Unwrap() error { return ErrSchemaMismatch }

// AmbiguousColumnError reports a column claimed more than once.
type AmbiguousColumnError struct {
	Column string
	Levels []string

	// Collides is set when Column and another column both resolve to the same
	// level and resolution type (e.g. "region" and "region_strain").
	Collides string
}

func (e *AmbiguousColumnError) Error() string {
	if e.Collides != "" {
		return fmt.Sprintf("hierarchy: columns %q and %q both feed level %q with the same resolution type",
			e.Collides, e.Column, strings.Join(e.Levels, ", "))
	}
	return fmt.Sprintf("hierarchy: column %q is claimed by levels [%s]", e.Column, strings.Join(e.Levels, ", "))
}

func (e *AmbiguousColumnError) Unwrap() error { return ErrAmbiguousColumn }
