package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/toikake/internal/model"
)

// InsertQueryLog records one processed query. Logging failures are
// reported to the caller but must never fail the query itself; the
// pipeline logs and drops the error.
func (db *DB) InsertQueryLog(ctx context.Context, e model.QueryLogEntry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO query_log (id, query, route, sql_text, allowed, row_count, error_kind, elapsed_ms)
		 VALUES (COALESCE(NULLIF($1, '00000000-0000-0000-0000-000000000000'::uuid), gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Query, string(e.Route), e.SQLText, e.Allowed, e.RowCount, e.ErrorKind, e.ElapsedMS,
	)
	if err != nil {
		return fmt.Errorf("storage: insert query log: %w", err)
	}
	return nil
}

// ListRecentQueries returns the most recent log entries, newest first.
func (db *DB) ListRecentQueries(ctx context.Context, limit int) ([]model.QueryLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, query, route, sql_text, allowed, row_count, error_kind, elapsed_ms, created_at
		 FROM query_log
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent queries: %w", err)
	}
	defer rows.Close()

	var entries []model.QueryLogEntry
	for rows.Next() {
		var e model.QueryLogEntry
		var route string
		if err := rows.Scan(&e.ID, &e.Query, &route, &e.SQLText, &e.Allowed, &e.RowCount, &e.ErrorKind, &e.ElapsedMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan query log row: %w", err)
		}
		e.Route = model.RouteKind(route)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
