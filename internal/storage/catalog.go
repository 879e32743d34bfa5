package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/toikake/internal/model"
)

// CatalogSearchResult is a catalog table with its pgvector similarity
// score, returned by the in-Postgres retrieval fallback.
type CatalogSearchResult struct {
	Table model.CatalogTable
	Score float32
}

// ListCatalog returns all registered tables ordered by name.
func (db *DB) ListCatalog(ctx context.Context) ([]model.CatalogTable, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, ddl, COALESCE(description, ''), columns, sample_questions, created_at, updated_at
		 FROM table_catalog
		 ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list catalog: %w", err)
	}
	defer rows.Close()
	return scanCatalogTables(rows)
}

// GetCatalogTablesByIDs returns catalog rows for the given IDs. Missing
// IDs are silently skipped (the index can briefly lead the catalog).
func (db *DB) GetCatalogTablesByIDs(ctx context.Context, ids []uuid.UUID) ([]model.CatalogTable, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, ddl, COALESCE(description, ''), columns, sample_questions, created_at, updated_at
		 FROM table_catalog
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get catalog tables: %w", err)
	}
	defer rows.Close()
	return scanCatalogTables(rows)
}

// GetCatalogTableByName returns a single catalog row, or ErrNotFound.
func (db *DB) GetCatalogTableByName(ctx context.Context, name string) (model.CatalogTable, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, name, ddl, COALESCE(description, ''), columns, sample_questions, created_at, updated_at
		 FROM table_catalog
		 WHERE name = $1`,
		name,
	)
	t, err := scanCatalogTable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CatalogTable{}, ErrNotFound
	}
	if err != nil {
		return model.CatalogTable{}, fmt.Errorf("storage: get catalog table %q: %w", name, err)
	}
	return t, nil
}

// SearchCatalog performs cosine-similarity retrieval inside Postgres via
// pgvector. Used as the fallback when Qdrant is not configured or not
// healthy; slower than the dedicated index but always consistent.
func (db *DB) SearchCatalog(ctx context.Context, embedding pgvector.Vector, limit int) ([]CatalogSearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, ddl, COALESCE(description, ''), columns, sample_questions, created_at, updated_at,
		        1 - (embedding <=> $1) AS score
		 FROM table_catalog
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1, name
		 LIMIT $2`,
		embedding, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search catalog: %w", err)
	}
	defer rows.Close()

	var results []CatalogSearchResult
	for rows.Next() {
		var t model.CatalogTable
		var columnsJSON, questionsJSON []byte
		var score float32
		if err := rows.Scan(&t.ID, &t.Name, &t.DDL, &t.Description, &columnsJSON, &questionsJSON, &t.CreatedAt, &t.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("storage: scan catalog search row: %w", err)
		}
		if err := decodeCatalogJSON(&t, columnsJSON, questionsJSON); err != nil {
			return nil, err
		}
		results = append(results, CatalogSearchResult{Table: t, Score: score})
	}
	return results, rows.Err()
}

// UpsertCatalogTable inserts or updates a catalog row and enqueues an
// outbox entry in the same transaction, so the vector index never
// permanently diverges from the catalog.
func (db *DB) UpsertCatalogTable(ctx context.Context, t model.CatalogTable, embedding *pgvector.Vector) (uuid.UUID, error) {
	columnsJSON, err := json.Marshal(t.Columns)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal columns: %w", err)
	}
	questionsJSON, err := json.Marshal(t.SampleQuestions)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal sample questions: %w", err)
	}

	var id uuid.UUID
	err = WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin upsert tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		err = tx.QueryRow(ctx,
			`INSERT INTO table_catalog (id, name, ddl, description, columns, sample_questions, embedding)
			 VALUES (COALESCE(NULLIF($1, '00000000-0000-0000-0000-000000000000'::uuid), gen_random_uuid()), $2, $3, NULLIF($4, ''), $5, $6, $7)
			 ON CONFLICT (name) DO UPDATE SET
			     ddl = EXCLUDED.ddl,
			     description = EXCLUDED.description,
			     columns = EXCLUDED.columns,
			     sample_questions = EXCLUDED.sample_questions,
			     embedding = COALESCE(EXCLUDED.embedding, table_catalog.embedding),
			     updated_at = now()
			 RETURNING id`,
			t.ID, t.Name, t.DDL, t.Description, columnsJSON, questionsJSON, embedding,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("storage: upsert catalog table %q: %w", t.Name, err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO catalog_outbox (table_id, operation) VALUES ($1, 'upsert')`,
			id,
		); err != nil {
			return fmt.Errorf("storage: enqueue outbox upsert: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// DeleteCatalogTable removes a table from the catalog and enqueues the
// index delete. Returns ErrNotFound if the name is not registered.
func (db *DB) DeleteCatalogTable(ctx context.Context, name string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`DELETE FROM table_catalog WHERE name = $1 RETURNING id`, name,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: delete catalog table %q: %w", name, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO catalog_outbox (table_id, operation) VALUES ($1, 'delete')`, id,
	); err != nil {
		return fmt.Errorf("storage: enqueue outbox delete: %w", err)
	}

	return tx.Commit(ctx)
}

// CatalogTablesMissingEmbedding returns tables whose embedding column is
// NULL, for startup backfill.
func (db *DB) CatalogTablesMissingEmbedding(ctx context.Context, limit int) ([]model.CatalogTable, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, ddl, COALESCE(description, ''), columns, sample_questions, created_at, updated_at
		 FROM table_catalog
		 WHERE embedding IS NULL
		 ORDER BY name
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: catalog missing embeddings: %w", err)
	}
	defer rows.Close()
	return scanCatalogTables(rows)
}

// SetCatalogEmbedding stores a freshly computed embedding and enqueues an
// index upsert.
func (db *DB) SetCatalogEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin embedding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE table_catalog SET embedding = $1, updated_at = now() WHERE id = $2`,
		embedding, id,
	); err != nil {
		return fmt.Errorf("storage: set catalog embedding: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO catalog_outbox (table_id, operation) VALUES ($1, 'upsert')`, id,
	); err != nil {
		return fmt.Errorf("storage: enqueue outbox upsert: %w", err)
	}
	return tx.Commit(ctx)
}

func scanCatalogTables(rows pgx.Rows) ([]model.CatalogTable, error) {
	var tables []model.CatalogTable
	for rows.Next() {
		var t model.CatalogTable
		var columnsJSON, questionsJSON []byte
		if err := rows.Scan(&t.ID, &t.Name, &t.DDL, &t.Description, &columnsJSON, &questionsJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan catalog row: %w", err)
		}
		if err := decodeCatalogJSON(&t, columnsJSON, questionsJSON); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func scanCatalogTable(row pgx.Row) (model.CatalogTable, error) {
	var t model.CatalogTable
	var columnsJSON, questionsJSON []byte
	if err := row.Scan(&t.ID, &t.Name, &t.DDL, &t.Description, &columnsJSON, &questionsJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return model.CatalogTable{}, err
	}
	if err := decodeCatalogJSON(&t, columnsJSON, questionsJSON); err != nil {
		return model.CatalogTable{}, err
	}
	return t, nil
}

func decodeCatalogJSON(t *model.CatalogTable, columnsJSON, questionsJSON []byte) error {
	if len(columnsJSON) > 0 {
		if err := json.Unmarshal(columnsJSON, &t.Columns); err != nil {
			return fmt.Errorf("storage: decode columns for %q: %w", t.Name, err)
		}
	}
	if len(questionsJSON) > 0 {
		if err := json.Unmarshal(questionsJSON, &t.SampleQuestions); err != nil {
			return fmt.Errorf("storage: decode sample questions for %q: %w", t.Name, err)
		}
	}
	return nil
}
