// Package backend abstracts the database the migration runs against. The
// engine depends only on the Store capabilities: batched insert, filtered
// count, a statement escape hatch and ordered page reads.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Row is a record keyed by column name.
type Row map[string]any

// Filter is an equality filter: every column must equal its value.
type Filter map[string]any

// FetchRequest describes an ordered page read.
type FetchRequest struct {
	Table   string
	Columns []string // empty means all columns
	OrderBy []string
	Offset  int
	Limit   int
}

// Store is the backend data store.
type Store interface {
	// InsertBatch inserts rows in a single transaction; either all land or none do.
	InsertBatch(ctx context.Context, table string, rows []Row) error
	// Count returns the number of rows in table matching filter.
	Count(ctx context.Context, table string, filter Filter) (int64, error)
	// Exec runs a schema-level statement.
	Exec(ctx context.Context, stmt string, args ...any) error
	// Fetch reads one ordered page of rows.
	Fetch(ctx context.Context, req FetchRequest) ([]Row, error)
	Close() error
}

// Options selects and configures a backend implementation.
type Options struct {
	Type     string
	DSN      string // postgres connection URL
	Path     string // sqlite database file
	MaxConns int
}

// OpenFunc creates a Store from options.
type OpenFunc func(ctx context.Context, opts Options) (Store, error)

var (
	registryMu sync.RWMutex
	openers    = make(map[string]OpenFunc)
	primary    = make(map[string]string)
)

// Register adds a backend under name and its aliases.
// Panics if the name is already registered.
func Register(name string, open OpenFunc, aliases ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, n := range append([]string{name}, aliases...) {
		n = strings.ToLower(n)
		if _, exists := openers[n]; exists {
			panic(fmt.Sprintf("backend %q already registered", n))
		}
		openers[n] = open
		primary[n] = name
	}
}

// Open creates the backend named by opts.Type (case-insensitive).
func Open(ctx context.Context, opts Options) (Store, error) {
	registryMu.RLock()
	open, ok := openers[strings.ToLower(opts.Type)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %q (available: %v)", opts.Type, Available())
	}
	return open(ctx, opts)
}

// Available returns the sorted primary names of registered backends.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	seen := make(map[string]bool)
	for _, name := range primary {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a backend exists under name or alias.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := openers[strings.ToLower(name)]
	return ok
}

// Columns returns the sorted column names of a row.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// sortedKeys returns filter columns in a stable order for query building.
func (f Filter) sortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
