package storage

import (
	"fmt"
	"strings"

	"geometa/internal/frame"
	"geometa/internal/transformer"
)

// Logical column types. Backends map them to their own DDL types; any other
// Type string is passed through verbatim.
const (
	// TypeText holds a place name.
	TypeText = "text"
	// TypeKey holds a fixed-width 64-char hex digest.
	TypeKey = "key"
)

// LocationKeyColumn is the unique digest column of the hierarchy table.
const LocationKeyColumn = "location_key"

type TableSpec struct {
	Name        string           `json:"name"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable *bool  `json:"nullable,omitempty"`
}

// IsNullable reports the column's nullability; unset means nullable.
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable == nil || *c.Nullable
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// HierarchyTableSpec describes the table holding unique hierarchies: one
// NOT NULL text column per level plus location_key, unique on location_key.
func HierarchyTableSpec(name string, levels []string) TableSpec {
	notNull := false
	cols := make([]ColumnSpec, 0, len(levels)+1)
	for _, l := range levels {
		cols = append(cols, ColumnSpec{Name: l, Type: TypeText, Nullable: &notNull})
	}
	cols = append(cols, ColumnSpec{Name: LocationKeyColumn, Type: TypeKey, Nullable: &notNull})

	return TableSpec{
		Name:        name,
		Columns:     cols,
		Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{LocationKeyColumn}}},
	}
}

// HierarchyRows converts an extracted hierarchy frame into insert rows with
// the location_key appended.
func HierarchyRows(h frame.Frame) (columns []string, rows [][]any, err error) {
	for _, c := range h.Columns {
		if c == LocationKeyColumn {
			return nil, nil, fmt.Errorf("level name %q is reserved", LocationKeyColumn)
		}
	}
	columns = append(append([]string(nil), h.Columns...), LocationKeyColumn)

	rows = make([][]any, 0, len(h.Rows))
	vals := make([]string, len(h.Columns))
	for _, r := range h.Rows {
		row := make([]any, 0, len(columns))
		for i, v := range r {
			s, _ := frame.Text(v)
			vals[i] = s
			row = append(row, s)
		}
		rows = append(rows, append(row, transformer.LocationKey(vals)))
	}
	return columns, rows, nil
}

// ValidateSpec checks what every backend needs before rendering DDL.
func ValidateSpec(t TableSpec) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	known := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("table %s: column name/type must be set", t.Name)
		}
		known[c.Name] = true
	}
	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return fmt.Errorf("table %s: unique constraint requires columns", t.Name)
		}
		for _, c := range con.Columns {
			if !known[c] {
				return fmt.Errorf("table %s: constraint column %q not defined", t.Name, c)
			}
		}
	}
	return nil
}

// MaxRowsPerStatement bounds a multi-row VALUES insert by a driver's
// placeholder limit.
func MaxRowsPerStatement(paramLimit, columns int) int {
	if columns <= 0 {
		return 1
	}
	return max(1, paramLimit/columns)
}
