package postgres

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yyup/aistream/internal/domain"
	"github.com/yyup/aistream/internal/port/database"
)

// maxStatsRows caps the rows returned to the model per query.
const maxStatsRows = 200

// StatsReader runs configured statistics queries in read-only transactions.
type StatsReader struct {
	pool    *pgxpool.Pool
	queries map[string]string
}

var _ database.StatsReader = (*StatsReader)(nil)

// NewStatsReader creates a reader for the named queries.
func NewStatsReader(pool *pgxpool.Pool, queries map[string]string) *StatsReader {
	return &StatsReader{pool: pool, queries: maps.Clone(queries)}
}

// QueryNames lists the configured query names in sorted order.
func (r *StatsReader) QueryNames() []string {
	return slices.Sorted(maps.Keys(r.queries))
}

// QueryNamed runs the query registered under name.
func (r *StatsReader) QueryNamed(ctx context.Context, name string) ([]map[string]any, error) {
	query, ok := r.queries[name]
	if !ok {
		return nil, fmt.Errorf("stats query %s: %w", name, domain.ErrNotFound)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("stats query %s: begin: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("stats query %s: %w", name, err)
	}
	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("stats query %s: collect: %w", name, err)
	}
	if len(result) > maxStatsRows {
		result = result[:maxStatsRows]
	}
	for _, row := range result {
		for k, v := range row {
			row[k] = jsonValue(v)
		}
	}
	return orEmpty(result), nil
}

// jsonValue converts pgx values without a useful JSON form.
func jsonValue(v any) any {
	switch n := v.(type) {
	case pgtype.Numeric:
		f, err := n.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", n[0:4], n[4:6], n[6:8], n[8:10], n[10:16])
	default:
		return v
	}
}
