package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ashita-ai/toikake/internal/model"
)

// ErrQueryTimeout is returned when a statement exceeds its execution
// deadline. The cancellation is delivered to the server over the
// connection, so the query is killed there, not just abandoned client-side.
var ErrQueryTimeout = errors.New("storage: query timed out")

// ExecConfig bounds a single read-only execution.
type ExecConfig struct {
	Timeout      time.Duration
	MaxRows      int
	RetryBackoff time.Duration // pause before the single reconnect retry
}

// ExecuteReadOnly runs a guardrail-approved statement inside a read-only
// transaction and returns up to MaxRows rows. The timeout covers both
// attempts: a transport-error retry only spends what remains of the
// original budget. Statement errors and timeouts are never retried.
func (db *DB) ExecuteReadOnly(ctx context.Context, sqlText string, cfg ExecConfig) (*model.ExecutionResult, error) {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = model.DefaultMaxResults
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = model.DefaultTimeoutSecs * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	result, err := db.runReadOnly(execCtx, sqlText, cfg.MaxRows)
	if err != nil && IsTransportError(err) {
		db.logger.Warn("executor: transport error, retrying once", "error", err)
		if cfg.RetryBackoff > 0 {
			select {
			case <-execCtx.Done():
			case <-time.After(cfg.RetryBackoff):
			}
		}
		result, err = db.runReadOnly(execCtx, sqlText, cfg.MaxRows)
	}
	if err != nil {
		if execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w (limit %s)", ErrQueryTimeout, cfg.Timeout)
		}
		return nil, err
	}

	result.Elapsed = time.Since(start)
	result.ElapsedMS = result.Elapsed.Milliseconds()
	return result, nil
}

func (db *DB) runReadOnly(ctx context.Context, sqlText string, maxRows int) (*model.ExecutionResult, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("storage: begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	rows, err := tx.Query(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("storage: execute: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	out := make([][]any, 0, min(maxRows, 64))
	truncated := false
	for rows.Next() {
		if len(out) == maxRows {
			// The cap is hit and at least one more row exists.
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("storage: read row %d: %w", len(out), err)
		}
		out = append(out, normalizeRow(values))
	}
	rows.Close()
	if err := rows.Err(); err != nil && !truncated {
		return nil, fmt.Errorf("storage: iterate rows: %w", err)
	}

	return &model.ExecutionResult{
		Columns:   columns,
		Rows:      out,
		RowCount:  len(out),
		Truncated: truncated,
	}, nil
}

// normalizeRow converts driver-specific values into JSON-friendly ones.
// Byte slices become strings and NUMERIC columns become float64; other
// values pass through (pgx already decodes ints, timestamps, and NULLs
// into Go types).
func normalizeRow(values []any) []any {
	for i, v := range values {
		switch t := v.(type) {
		case []byte:
			values[i] = string(t)
		case pgtype.Numeric:
			if f, err := t.Float64Value(); err == nil && f.Valid {
				values[i] = f.Float64
			}
		}
	}
	return values
}
