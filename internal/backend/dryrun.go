package backend

import (
	"context"
	"sync"

	"github.com/johndauphine/crm-migrate/internal/logging"
)

// DryRunStore passes reads through to the wrapped store and never writes to
// it. Inserted rows are kept in an in-memory overlay so counts reflect what a
// real run would have written; tables created with CREATE TABLE ... AS SELECT
// are served as aliases of their source.
type DryRunStore struct {
	inner   Store
	overlay *Memory

	mu      sync.Mutex
	aliases map[string]string
	created map[string]bool
}

// DryRun wraps store so that InsertBatch and Exec are logged no-ops.
func DryRun(store Store) *DryRunStore {
	return &DryRunStore{
		inner:   store,
		overlay: NewMemory(),
		aliases: make(map[string]string),
		created: make(map[string]bool),
	}
}

func (d *DryRunStore) resolve(table string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < 8; i++ {
		src, ok := d.aliases[table]
		if !ok {
			break
		}
		table = src
	}
	return table
}

func (d *DryRunStore) InsertBatch(ctx context.Context, table string, rows []Row) error {
	logging.WithFields(logging.Fields{"table": table, "rows": len(rows)}).Info("[dry-run] would insert batch")
	d.overlay.CreateTable(table)
	return d.overlay.InsertBatch(ctx, table, rows)
}

func (d *DryRunStore) Count(ctx context.Context, table string, filter Filter) (int64, error) {
	pending, _ := d.overlay.Count(ctx, table, filter)

	d.mu.Lock()
	created := d.created[table]
	d.mu.Unlock()
	if created {
		return pending, nil
	}

	n, err := d.inner.Count(ctx, d.resolve(table), filter)
	if err != nil {
		return 0, err
	}
	return n + pending, nil
}

func (d *DryRunStore) Exec(ctx context.Context, stmt string, args ...any) error {
	logging.WithFields(logging.Fields{"statement": stmt}).Info("[dry-run] would execute statement")
	p := parseStatement(stmt)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch p.kind {
	case stmtCreateAs:
		d.aliases[p.table] = p.source
	case stmtCreate:
		d.created[p.table] = true
	case stmtDrop:
		delete(d.aliases, p.table)
		delete(d.created, p.table)
	}
	return nil
}

func (d *DryRunStore) Fetch(ctx context.Context, req FetchRequest) ([]Row, error) {
	d.mu.Lock()
	created := d.created[req.Table]
	d.mu.Unlock()
	if created {
		d.overlay.CreateTable(req.Table)
		return d.overlay.Fetch(ctx, req)
	}
	req.Table = d.resolve(req.Table)
	return d.inner.Fetch(ctx, req)
}

// Close closes the wrapped store.
func (d *DryRunStore) Close() error {
	return d.inner.Close()
}
