package storage_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/toikake/internal/model"
	"github.com/ashita-ai/toikake/internal/storage"
	"github.com/ashita-ai/toikake/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	logger := testutil.TestLogger()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		slog.Error("test db setup failed", "error", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// testVector builds a unit-ish embedding with a single dominant dimension,
// so cosine ordering between vectors is predictable.
func testVector(hot int) pgvector.Vector {
	v := make([]float32, 1536)
	for i := range v {
		v[i] = 0.001
	}
	v[hot] = 1
	return pgvector.NewVector(v)
}

func sampleTable(name string) model.CatalogTable {
	return model.CatalogTable{
		Name:        name,
		DDL:         "CREATE TABLE " + name + " (id BIGINT, amount NUMERIC)",
		Description: "Test fixture table",
		Columns: []model.Column{
			{Name: "id", Type: "BIGINT"},
			{Name: "amount", Type: "NUMERIC", Description: "order total"},
		},
		SampleQuestions: []string{"what is the total amount?"},
	}
}

func outboxCountFor(t *testing.T, op string) int {
	t.Helper()
	var n int
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT count(*) FROM catalog_outbox WHERE operation = $1`, op,
	).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestCatalogUpsertRoundTrip(t *testing.T) {
	ctx := context.Background()

	vec := testVector(3)
	id, err := testDB.UpsertCatalogTable(ctx, sampleTable("orders_rt"), &vec)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := testDB.GetCatalogTableByName(ctx, "orders_rt")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "orders_rt", got.Name)
	assert.Contains(t, got.DDL, "CREATE TABLE orders_rt")
	assert.Equal(t, "Test fixture table", got.Description)
	require.Len(t, got.Columns, 2)
	assert.Equal(t, "amount", got.Columns[1].Name)
	assert.Equal(t, "order total", got.Columns[1].Description)
	assert.Equal(t, []string{"what is the total amount?"}, got.SampleQuestions)

	// Upserting the same name again updates in place and keeps the ID.
	updated := sampleTable("orders_rt")
	updated.Description = "Updated description"
	id2, err := testDB.UpsertCatalogTable(ctx, updated, nil)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	got, err = testDB.GetCatalogTableByName(ctx, "orders_rt")
	require.NoError(t, err)
	assert.Equal(t, "Updated description", got.Description)
}

func TestCatalogGetMissing(t *testing.T) {
	_, err := testDB.GetCatalogTableByName(context.Background(), "no_such_table")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCatalogSearchOrdering(t *testing.T) {
	ctx := context.Background()

	vecA := testVector(10)
	vecB := testVector(900)
	_, err := testDB.UpsertCatalogTable(ctx, sampleTable("search_a"), &vecA)
	require.NoError(t, err)
	_, err = testDB.UpsertCatalogTable(ctx, sampleTable("search_b"), &vecB)
	require.NoError(t, err)
	// No embedding: must never appear in search results.
	_, err = testDB.UpsertCatalogTable(ctx, sampleTable("search_blind"), nil)
	require.NoError(t, err)

	results, err := testDB.SearchCatalog(ctx, testVector(10), 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "search_a", results[0].Table.Name)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
	for _, r := range results {
		assert.NotEqual(t, "search_blind", r.Table.Name)
	}
}

func TestCatalogSearchTiesBreakByName(t *testing.T) {
	ctx := context.Background()

	// Identical embeddings: similarity ties must resolve lexically so
	// repeated searches return a stable order.
	vec := testVector(500)
	_, err := testDB.UpsertCatalogTable(ctx, sampleTable("tie_zebra"), &vec)
	require.NoError(t, err)
	_, err = testDB.UpsertCatalogTable(ctx, sampleTable("tie_apple"), &vec)
	require.NoError(t, err)

	results, err := testDB.SearchCatalog(ctx, testVector(500), 50)
	require.NoError(t, err)

	var tied []string
	for _, r := range results {
		if r.Table.Name == "tie_apple" || r.Table.Name == "tie_zebra" {
			tied = append(tied, r.Table.Name)
		}
	}
	require.Equal(t, []string{"tie_apple", "tie_zebra"}, tied)
}

func TestCatalogEmbeddingBackfill(t *testing.T) {
	ctx := context.Background()

	id, err := testDB.UpsertCatalogTable(ctx, sampleTable("backfill_me"), nil)
	require.NoError(t, err)

	missing, err := testDB.CatalogTablesMissingEmbedding(ctx, 100)
	require.NoError(t, err)
	names := make([]string, 0, len(missing))
	for _, m := range missing {
		names = append(names, m.Name)
	}
	assert.Contains(t, names, "backfill_me")

	require.NoError(t, testDB.SetCatalogEmbedding(ctx, id, testVector(42)))

	missing, err = testDB.CatalogTablesMissingEmbedding(ctx, 100)
	require.NoError(t, err)
	for _, m := range missing {
		assert.NotEqual(t, "backfill_me", m.Name)
	}
}

func TestCatalogDelete(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.UpsertCatalogTable(ctx, sampleTable("delete_me"), nil)
	require.NoError(t, err)

	deletesBefore := outboxCountFor(t, "delete")

	require.NoError(t, testDB.DeleteCatalogTable(ctx, "delete_me"))
	_, err = testDB.GetCatalogTableByName(ctx, "delete_me")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The index delete rides in the same transaction.
	assert.Equal(t, deletesBefore+1, outboxCountFor(t, "delete"))

	assert.ErrorIs(t, testDB.DeleteCatalogTable(ctx, "delete_me"), storage.ErrNotFound)
}

func TestCatalogUpsertEnqueuesOutbox(t *testing.T) {
	ctx := context.Background()

	upsertsBefore := outboxCountFor(t, "upsert")
	vec := testVector(7)
	_, err := testDB.UpsertCatalogTable(ctx, sampleTable("outbox_check"), &vec)
	require.NoError(t, err)
	assert.Equal(t, upsertsBefore+1, outboxCountFor(t, "upsert"))
}

func TestExecuteReadOnly(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.Pool().Exec(ctx, `CREATE TABLE IF NOT EXISTS exec_fixture (id BIGINT, label TEXT, amount NUMERIC)`)
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx, `TRUNCATE exec_fixture`)
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx,
		`INSERT INTO exec_fixture VALUES (1, 'alpha', 10.5), (2, 'beta', 20.25), (3, 'gamma', 30)`)
	require.NoError(t, err)

	cfg := storage.ExecConfig{Timeout: 5 * time.Second, MaxRows: 500}

	result, err := testDB.ExecuteReadOnly(ctx, `SELECT id, label, amount FROM exec_fixture ORDER BY id`, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "label", "amount"}, result.Columns)
	assert.Equal(t, 3, result.RowCount)
	assert.False(t, result.Truncated)

	// NUMERIC decodes to float64 so results JSON-serialize cleanly.
	require.Len(t, result.Rows, 3)
	assert.Equal(t, int64(1), result.Rows[0][0])
	assert.Equal(t, "alpha", result.Rows[0][1])
	assert.InDelta(t, 10.5, result.Rows[0][2], 0.001)
}

func TestExecuteReadOnlyTruncation(t *testing.T) {
	ctx := context.Background()

	result, err := testDB.ExecuteReadOnly(ctx,
		`SELECT generate_series(1, 100)`,
		storage.ExecConfig{Timeout: 5 * time.Second, MaxRows: 10},
	)
	require.NoError(t, err)
	assert.Equal(t, 10, result.RowCount)
	assert.True(t, result.Truncated)
}

func TestExecuteReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()

	// The read-only transaction blocks writes even if a statement slipped
	// past the guardrail.
	_, err := testDB.ExecuteReadOnly(ctx,
		`INSERT INTO exec_fixture VALUES (99, 'sneaky', 0)`,
		storage.ExecConfig{Timeout: 5 * time.Second, MaxRows: 10},
	)
	require.Error(t, err)
}

func TestExecuteReadOnlyTimeout(t *testing.T) {
	ctx := context.Background()

	start := time.Now()
	_, err := testDB.ExecuteReadOnly(ctx,
		`SELECT pg_sleep(5)`,
		storage.ExecConfig{Timeout: 300 * time.Millisecond, MaxRows: 10},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrQueryTimeout), "got: %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestQueryLog(t *testing.T) {
	ctx := context.Background()

	sqlText := "SELECT 1"
	allowed := true
	rowCount := 1
	require.NoError(t, testDB.InsertQueryLog(ctx, model.QueryLogEntry{
		Query:     "how many orders?",
		Route:     model.RouteSQL,
		SQLText:   &sqlText,
		Allowed:   &allowed,
		RowCount:  &rowCount,
		ElapsedMS: 12,
	}))
	require.NoError(t, testDB.InsertQueryLog(ctx, model.QueryLogEntry{
		Query: "hello",
		Route: model.RouteGreeting,
	}))

	entries, err := testDB.ListRecentQueries(ctx, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)

	// Newest first.
	assert.Equal(t, "hello", entries[0].Query)
	assert.Equal(t, model.RouteGreeting, entries[0].Route)
	assert.Nil(t, entries[0].SQLText)

	assert.Equal(t, "how many orders?", entries[1].Query)
	require.NotNil(t, entries[1].SQLText)
	assert.Equal(t, "SELECT 1", *entries[1].SQLText)
	require.NotNil(t, entries[1].Allowed)
	assert.True(t, *entries[1].Allowed)
	assert.Equal(t, int64(12), entries[1].ElapsedMS)
}
