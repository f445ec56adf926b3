package backend

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

func init() {
	Register("sqlite", func(ctx context.Context, opts Options) (Store, error) {
		return NewSQLite(ctx, opts.Path)
	}, "sqlite3")
}

// SQLite runs the migration against a local database file, typically a copy
// of production used to rehearse a run.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens path with WAL journaling.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite backend requires a path")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) InsertBatch(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		q, args := buildInsert(table, r, questionPlaceholder)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("inserting into %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert into %s: %w", table, err)
	}
	return nil
}

func (s *SQLite) Count(ctx context.Context, table string, filter Filter) (int64, error) {
	q, args := buildCount(table, filter, questionPlaceholder)
	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

func (s *SQLite) Exec(ctx context.Context, stmt string, args ...any) error {
	_, err := s.db.ExecContext(ctx, stmt, args...)
	return err
}

func (s *SQLite) Fetch(ctx context.Context, req FetchRequest) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, buildFetch(req, "-1"))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", req.Table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				r[c] = string(b)
			} else {
				r[c] = vals[i]
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
