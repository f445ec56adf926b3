package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

func init() {
	Register("memory", func(ctx context.Context, opts Options) (Store, error) {
		return NewMemory(), nil
	}, "mem")
}

// Memory is an in-process backend. Tables must exist (CreateTable, Seed or a
// CREATE TABLE statement) before rows are inserted, as with a real database.
type Memory struct {
	mu         sync.Mutex
	tables     map[string][]Row
	statements []string
	insertHook func(table string, rows []Row) error
	inserts    int
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]Row)}
}

// CreateTable creates an empty table if it does not exist.
func (m *Memory) CreateTable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = nil
	}
}

// Seed creates table (if needed) and appends rows.
func (m *Memory) Seed(table string, rows []Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], r.Clone())
	}
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = nil
	}
}

// Rows returns a copy of every row in table.
func (m *Memory) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

// HasTable reports whether table exists.
func (m *Memory) HasTable(table string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[table]
	return ok
}

// Statements returns executed statements the backend does not interpret.
func (m *Memory) Statements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statements...)
}

// Inserts returns the number of successful InsertBatch calls.
func (m *Memory) Inserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts
}

// SetInsertHook installs a function consulted before every InsertBatch. A
// non-nil error rejects the whole batch.
func (m *Memory) SetInsertHook(fn func(table string, rows []Row) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertHook = fn
}

func (m *Memory) InsertBatch(ctx context.Context, table string, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[table]; !ok {
		return fmt.Errorf("relation %q does not exist", table)
	}
	if m.insertHook != nil {
		if err := m.insertHook(table, rows); err != nil {
			return err
		}
	}
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], r.Clone())
	}
	m.inserts++
	return nil
}

func (m *Memory) Count(ctx context.Context, table string, filter Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, ok := m.tables[table]
	if !ok {
		return 0, fmt.Errorf("relation %q does not exist", table)
	}
	var n int64
	for _, r := range rows {
		if matches(r, filter) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Exec(ctx context.Context, stmt string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p := parseStatement(stmt)
	switch p.kind {
	case stmtCreateAs:
		src, ok := m.tables[p.source]
		if !ok {
			return fmt.Errorf("relation %q does not exist", p.source)
		}
		if _, exists := m.tables[p.table]; exists {
			if strings.Contains(strings.ToUpper(stmt), "IF NOT EXISTS") {
				return nil
			}
			return fmt.Errorf("relation %q already exists", p.table)
		}
		cp := make([]Row, len(src))
		for i, r := range src {
			cp[i] = r.Clone()
		}
		m.tables[p.table] = cp
	case stmtCreate:
		if _, exists := m.tables[p.table]; !exists {
			m.tables[p.table] = nil
		}
	case stmtDrop:
		if _, exists := m.tables[p.table]; !exists && !p.ifExists {
			return fmt.Errorf("table %q does not exist", p.table)
		}
		delete(m.tables, p.table)
	case stmtTruncate:
		if _, exists := m.tables[p.table]; !exists {
			return fmt.Errorf("relation %q does not exist", p.table)
		}
		m.tables[p.table] = nil
	default:
		m.statements = append(m.statements, strings.TrimSpace(stmt))
	}
	return nil
}

func (m *Memory) Fetch(ctx context.Context, req FetchRequest) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.tables[req.Table]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", req.Table)
	}
	rows := make([]Row, len(src))
	copy(rows, src)
	if len(req.OrderBy) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, col := range req.OrderBy {
				if c := compareValues(rows[i][col], rows[j][col]); c != 0 {
					return c < 0
				}
			}
			return false
		})
	}

	if req.Offset >= len(rows) {
		return nil, nil
	}
	rows = rows[req.Offset:]
	if req.Limit > 0 && req.Limit < len(rows) {
		rows = rows[:req.Limit]
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		if len(req.Columns) == 0 {
			out[i] = r.Clone()
			continue
		}
		proj := make(Row, len(req.Columns))
		for _, c := range req.Columns {
			proj[c] = r[c]
		}
		out[i] = proj
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func matches(r Row, filter Filter) bool {
	for col, want := range filter {
		got, ok := r[col]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || compareValues(got, want) != 0 {
			return false
		}
	}
	return true
}

// compareValues orders values of the kinds rows carry. Numbers compare
// numerically across integer and float types; nil sorts first.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if tb, ok := b.(time.Time); ok {
		if ta, ok := asTime(a); ok {
			return ta.Compare(tb)
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// asTime accepts time.Time and its RFC 3339 text, which is how timestamps
// come back from a backup manifest.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
