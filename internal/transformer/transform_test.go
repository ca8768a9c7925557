package transformer

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"

	"geometa/internal/frame"
)

// applySpecs runs the compiled plan over every row of in, the way the
// pipeline workers do, and returns the surviving rows.
func applySpecs(in frame.Frame, specs ...Spec) (frame.Frame, int, error) {
	plan, err := BuildPlan(in.Columns, specs...)
	if err != nil {
		return frame.Frame{}, 0, err
	}
	out := frame.New(plan.Columns...)
	rejected := 0
	for i, src := range in.Rows {
		r := &Row{V: append(make([]any, 0, len(plan.Columns)), src...), Line: i + 1}
		if ok, _ := plan.Apply(r); !ok {
			rejected++
			continue
		}
		out.Rows = append(out.Rows, r.V)
	}
	return out, rejected, nil
}

func TestStandardize_NFCTrimAndEmptyToNil(t *testing.T) {
	in := frame.New("gisaid_epi_isl", "division", "country")
	// Decomposed input: u + combining diaeresis.
	_ = in.Append(" EPI_ISL_1 ", "Zu\u0308rich", "   ")

	out, rejected, err := applySpecs(in, StandardizeSpec{})
	if err != nil {
		t.Fatalf("standardize: %v", err)
	}
	if rejected != 0 {
		t.Fatalf("rejected=%d, want 0", rejected)
	}

	want := []any{"EPI_ISL_1", "Z\u00fcrich", nil}
	if !reflect.DeepEqual(out.Rows[0], want) {
		t.Fatalf("unexpected row: %#v", out.Rows[0])
	}
	if in.Rows[0][0] != " EPI_ISL_1 " {
		t.Fatalf("input mutated: %#v", in.Rows[0])
	}
}

func TestStandardize_ColumnMapAddsMissingThenRenames(t *testing.T) {
	in := frame.New("Accession ID", "region")
	_ = in.Append("EPI_ISL_1", "Europe")

	out, _, err := applySpecs(in, StandardizeSpec{ColumnMap: map[string]string{
		"Accession ID": "gisaid_epi_isl",
		"Location":     "location",
	}})
	if err != nil {
		t.Fatalf("standardize: %v", err)
	}

	wantCols := []string{"gisaid_epi_isl", "region", "location"}
	if !reflect.DeepEqual(out.Columns, wantCols) {
		t.Fatalf("columns=%v, want %v", out.Columns, wantCols)
	}
	if !reflect.DeepEqual(out.Rows[0], []any{"EPI_ISL_1", "Europe", nil}) {
		t.Fatalf("unexpected row: %#v", out.Rows[0])
	}
}

func TestStandardize_RenameCollisionFails(t *testing.T) {
	in := frame.New("region", "Region")
	_, _, err := applySpecs(in, StandardizeSpec{ColumnMap: map[string]string{"Region": "region"}})
	if err == nil || !strings.Contains(err.Error(), "duplicate column") {
		t.Fatalf("expected duplicate column error, got %v", err)
	}
}

func TestStandardize_MinLengthDropsShortSequences(t *testing.T) {
	in := frame.New("gisaid_epi_isl", "length")
	_ = in.Append("A1", "29903")
	_ = in.Append("A2", "14999")
	_ = in.Append("A3", nil)
	_ = in.Append("A4", "n/a")

	out, rejected, err := applySpecs(in, StandardizeSpec{MinLength: 15000})
	if err != nil {
		t.Fatalf("standardize: %v", err)
	}
	if rejected != 1 {
		t.Fatalf("rejected=%d, want 1", rejected)
	}
	var ids []any
	for _, r := range out.Rows {
		ids = append(ids, r[0])
	}
	if !reflect.DeepEqual(ids, []any{"A1", "A3", "A4"}) {
		t.Fatalf("kept ids=%v", ids)
	}
}

func TestGeoDefaults_FillsDivisionAndExposure(t *testing.T) {
	in := frame.New("gisaid_epi_isl", "region", "country", "division", "country_exposure")
	_ = in.Append("A1", "Europe", "Spain", nil, "France")
	_ = in.Append("A2", "Asia", "Japan", "Tokyo", nil)

	out, _, err := applySpecs(in, GeoDefaultsSpec{})
	if err != nil {
		t.Fatalf("geo defaults: %v", err)
	}

	wantCols := []string{"gisaid_epi_isl", "region", "country", "division", "country_exposure", "region_exposure", "division_exposure"}
	if !reflect.DeepEqual(out.Columns, wantCols) {
		t.Fatalf("columns=%v", out.Columns)
	}
	want := [][]any{
		{"A1", "Europe", "Spain", "Spain", "France", "Europe", "Spain"},
		{"A2", "Asia", "Japan", "Tokyo", "Japan", "Asia", "Tokyo"},
	}
	if !reflect.DeepEqual(out.Rows, want) {
		t.Fatalf("rows:\n got=%v\nwant=%v", out.Rows, want)
	}
}

func TestGeoDefaults_SkipsAbsentLevels(t *testing.T) {
	in := frame.New("gisaid_epi_isl", "region")
	_ = in.Append("A1", "Oceania")

	out, _, err := applySpecs(in, GeoDefaultsSpec{})
	if err != nil {
		t.Fatalf("geo defaults: %v", err)
	}
	if !reflect.DeepEqual(out.Columns, []string{"gisaid_epi_isl", "region", "region_exposure"}) {
		t.Fatalf("columns=%v", out.Columns)
	}
}

func TestTransformLoopRows_ForwardsAndRejects(t *testing.T) {
	plan, err := BuildPlan([]string{"gisaid_epi_isl", "country", "length"},
		StandardizeSpec{MinLength: 100},
		GeoDefaultsSpec{},
	)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	in := make(chan *Row, 3)
	out := make(chan *Row, 3)
	in <- &Row{Line: 2, V: []any{"A1", " Peru ", "500"}}
	in <- &Row{Line: 3, V: []any{"A2", "Chile", "50"}}
	close(in)

	var mu sync.Mutex
	var rejected []int
	TransformLoopRows(context.Background(), plan, in, out, func(line int, reason string) {
		mu.Lock()
		defer mu.Unlock()
		rejected = append(rejected, line)
	})
	close(out)

	var got []*Row
	for r := range out {
		got = append(got, r)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	want := []any{"A1", "Peru", "500", "Peru"}
	if !reflect.DeepEqual(got[0].V, want) {
		t.Fatalf("row=%#v, want %#v", got[0].V, want)
	}
	if !reflect.DeepEqual(rejected, []int{3}) {
		t.Fatalf("rejected lines=%v", rejected)
	}
}

func TestTransformLoopRows_CanceledDrainsWithoutForwarding(t *testing.T) {
	plan, _ := BuildPlan([]string{"a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := make(chan *Row, 2)
	out := make(chan *Row, 2)
	in <- &Row{V: []any{"x"}}
	in <- &Row{V: []any{"y"}}
	close(in)

	TransformLoopRows(ctx, plan, in, out, nil)
	close(out)

	if n := len(out); n != 0 {
		t.Fatalf("forwarded %d rows after cancel", n)
	}
}

func TestRowGrow_PreservesCells(t *testing.T) {
	r := GetRow(2)
	r.V[0], r.V[1] = "a", "b"
	r.Grow(4)
	if !reflect.DeepEqual(r.V, []any{"a", "b", nil, nil}) {
		t.Fatalf("after Grow: %#v", r.V)
	}
	r.Grow(1)
	if len(r.V) != 4 {
		t.Fatalf("Grow shrank row to %d", len(r.V))
	}
	r.Free()

	r2 := GetRow(3)
	for i, v := range r2.V {
		if v != nil {
			t.Fatalf("pooled row cell %d not cleared: %#v", i, v)
		}
	}
}

func TestLocationKey(t *testing.T) {
	a := LocationKey([]string{"Europe", "Spain", "Madrid"})
	b := LocationKey([]string{"Europe", "Spain", "Madrid"})
	c := LocationKey([]string{"Europe", "SpainMadrid", ""})

	if len(a) != 64 {
		t.Fatalf("want 64 hex chars, got %d", len(a))
	}
	if a != b {
		t.Fatalf("LocationKey not deterministic")
	}
	if a == c {
		t.Fatalf("separator must distinguish shifted values")
	}
}
