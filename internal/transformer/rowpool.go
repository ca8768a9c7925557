// Package transformer holds the record-level steps that run between the
// metadata parser and the hierarchy extractor, plus the pooled Row type those
// stages pass over channels.
package transformer

import "sync"

// Row is a pooled positional record.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time; sending it on a channel
//     transfers ownership.
//   - The final consumer calls Free() once it no longer reads r.V.
//   - On ctx cancellation paths call Drop() instead: a stage still draining
//     may read the row after the producer has unwound, so it must not be
//     handed out again by the pool.
type Row struct {
	V    []any
	Line int // 1-based input line, if known
}

var rowPool sync.Pool

// GetRow returns a Row with len(V) == n and all cells nil.
func GetRow(n int) *Row {
	r, _ := rowPool.Get().(*Row)
	if r == nil {
		return &Row{V: make([]any, n)}
	}
	r.Line = 0
	r.resize(n)
	return r
}

// Grow extends r.V to n cells; new cells are nil. Shorter n is a no-op.
func (r *Row) Grow(n int) {
	if n <= len(r.V) {
		return
	}
	if cap(r.V) < n {
		v := make([]any, n)
		copy(v, r.V)
		r.V = v
		return
	}
	old := len(r.V)
	r.V = r.V[:n]
	clear(r.V[old:])
}

func (r *Row) resize(n int) {
	if cap(r.V) < n {
		r.V = make([]any, n)
		return
	}
	r.V = r.V[:n]
	clear(r.V)
}

// Free returns r to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop releases r without re-pooling it.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}
