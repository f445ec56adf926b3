package backend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func init() {
	Register("postgres", func(ctx context.Context, opts Options) (Store, error) {
		return NewPostgres(ctx, opts.DSN, opts.MaxConns)
	}, "postgresql", "pg", "supabase")
}

// Postgres is the production backend (Postgres / Supabase).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool and pings the server.
func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend requires a dsn")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// InsertBatch queues one INSERT per row in a pgx.Batch inside a transaction.
func (p *Postgres) InsertBatch(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range rows {
		q, args := buildInsert(table, r, dollarPlaceholder)
		batch.Queue(q, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting into %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing insert into %s: %w", table, err)
	}
	return nil
}

func (p *Postgres) Count(ctx context.Context, table string, filter Filter) (int64, error) {
	q, args := buildCount(table, filter, dollarPlaceholder)
	var n int64
	if err := p.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

func (p *Postgres) Exec(ctx context.Context, stmt string, args ...any) error {
	_, err := p.pool.Exec(ctx, stmt, args...)
	return err
}

func (p *Postgres) Fetch(ctx context.Context, req FetchRequest) ([]Row, error) {
	rows, err := p.pool.Query(ctx, buildFetch(req, "ALL"))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", req.Table, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", req.Table, err)
	}
	out := make([]Row, len(maps))
	for i, m := range maps {
		out[i] = Row(m)
	}
	return out, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
