package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects and addresses a backend.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-neutral sink for the hierarchy table.
//
// Each backend implements idempotent inserts in its own dialect: SQLite
// INSERT OR IGNORE, Postgres ON CONFLICT DO NOTHING, SQL Server NOT EXISTS.
type Repository interface {
	// Close releases connections. Call once.
	Close()

	// EnsureTable creates the table and its constraints if missing.
	EnsureTable(ctx context.Context, spec TableSpec) error

	// InsertRows inserts rows laid out as columns. With dedupeColumns set,
	// rows that collide on those columns are skipped instead of failing.
	// Returns the number of rows actually inserted.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error)
}

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. Backends call it from
// init(). It panics on an empty kind, a nil factory or a duplicate kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a repository with the factory registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// InsertBatches splits rows into batches of at most batchSize and inserts
// them in order. onBatch, when set, is called after each committed batch with
// its inserted count. A batchSize <= 0 inserts everything at once.
func InsertBatches(
	ctx context.Context,
	repo Repository,
	table string,
	columns []string,
	rows [][]any,
	dedupeColumns []string,
	batchSize int,
	onBatch func(inserted int64),
) (int64, error) {
	if batchSize <= 0 {
		batchSize = len(rows)
	}

	var total int64
	for start := 0; start < len(rows); start += batchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := min(start+batchSize, len(rows))

		n, err := repo.InsertRows(ctx, table, columns, rows[start:end], dedupeColumns)
		if err != nil {
			return total, fmt.Errorf("insert batch rows %d-%d: %w", start, end-1, err)
		}
		total += n
		if onBatch != nil {
			onBatch(n)
		}
	}
	return total, nil
}
