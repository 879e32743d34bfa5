package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/toikake/internal/model"
	"github.com/ashita-ai/toikake/internal/storage"
)

// fakeStore satisfies Store in memory and records which methods ran.
type fakeStore struct {
	catalog       []model.CatalogTable
	searchResults []storage.CatalogSearchResult
	execResult    *model.ExecutionResult
	execErr       error

	retrieveCalls int
	execCalls     []string
	logs          []model.QueryLogEntry
}

func (f *fakeStore) ListCatalog(context.Context) ([]model.CatalogTable, error) {
	f.retrieveCalls++
	return f.catalog, nil
}

func (f *fakeStore) GetCatalogTablesByIDs(context.Context, []uuid.UUID) ([]model.CatalogTable, error) {
	f.retrieveCalls++
	return f.catalog, nil
}

func (f *fakeStore) SearchCatalog(context.Context, pgvector.Vector, int) ([]storage.CatalogSearchResult, error) {
	f.retrieveCalls++
	return f.searchResults, nil
}

func (f *fakeStore) ExecuteReadOnly(_ context.Context, sqlText string, _ storage.ExecConfig) (*model.ExecutionResult, error) {
	f.execCalls = append(f.execCalls, sqlText)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execResult, nil
}

func (f *fakeStore) InsertQueryLog(_ context.Context, e model.QueryLogEntry) error {
	f.logs = append(f.logs, e)
	return nil
}

func customersCatalog() []model.CatalogTable {
	return []model.CatalogTable{{
		ID:   uuid.New(),
		Name: "customers",
		DDL:  "CREATE TABLE customers (id int, name text, balance numeric)",
	}}
}

func TestProcessQueryGreetingShortCircuits(t *testing.T) {
	store := &fakeStore{}
	provider := &fakeLLM{err: errors.New("must not be called")}
	p := testPipeline(t, provider, store, Config{})

	resp := p.ProcessQuery(context.Background(), model.QueryRequest{Query: "hello"})

	assert.Equal(t, model.RouteGreeting, resp.Route.Kind)
	assert.NotEmpty(t, resp.Answer)
	assert.Nil(t, resp.SQL)
	assert.Zero(t, store.retrieveCalls)
	assert.Empty(t, store.execCalls)
	assert.Empty(t, provider.calls)
}

func TestProcessQueryGeneralRouteNeverTouchesDatabase(t *testing.T) {
	store := &fakeStore{}
	provider := &fakeLLM{replies: []string{"general", "It depends on where you are."}}
	p := testPipeline(t, provider, store, Config{})

	resp := p.ProcessQuery(context.Background(), model.QueryRequest{Query: "What is the weather today?"})

	assert.Equal(t, model.RouteGeneral, resp.Route.Kind)
	assert.Nil(t, resp.SQL)
	assert.Nil(t, resp.Result)
	assert.Zero(t, store.retrieveCalls)
	assert.Empty(t, store.execCalls)
	assert.Contains(t, resp.Answer, "It depends")
}

func TestProcessQueryFailsOpenWhenRouterUnavailable(t *testing.T) {
	store := &fakeStore{}
	provider := &fakeLLM{err: errors.New("llm down")}
	p := testPipeline(t, provider, store, Config{})

	resp := p.ProcessQuery(context.Background(), model.QueryRequest{Query: "how many orders"})

	assert.Equal(t, model.RouteGeneral, resp.Route.Kind)
	assert.NotEmpty(t, resp.Answer)
	assert.Empty(t, store.execCalls)
}

func TestProcessQueryBlocksForbiddenStatement(t *testing.T) {
	store := &fakeStore{catalog: customersCatalog()}
	provider := &fakeLLM{replies: []string{
		"sql_query",
		"SELECT * FROM customers; DROP TABLE customers",
		"SELECT * FROM customers; DROP TABLE customers",
	}}
	p := testPipeline(t, provider, store, Config{})

	resp := p.ProcessQuery(context.Background(), model.QueryRequest{Query: "drop the customers table"})

	require.NotNil(t, resp.Verdict)
	assert.False(t, resp.Verdict.Allowed)
	assert.Equal(t, "forbidden_op", resp.Verdict.Rule)
	assert.Contains(t, resp.Answer, "can't run that query")
	assert.Empty(t, store.execCalls, "blocked statements must never execute")
}

func TestProcessQueryHappyPath(t *testing.T) {
	store := &fakeStore{
		catalog: customersCatalog(),
		execResult: &model.ExecutionResult{
			Columns: []string{"name", "balance"},
			Rows: [][]any{
				{"alice", 900.0}, {"bob", 800.0}, {"carol", 700.0},
				{"dan", 600.0}, {"erin", 500.0},
			},
			RowCount: 5,
		},
	}
	provider := &fakeLLM{replies: []string{
		"sql_query",
		"SELECT name, balance FROM customers ORDER BY balance DESC LIMIT 5",
		"The top five customers are led by alice with 900.",
	}}
	p := testPipeline(t, provider, store, Config{})

	resp := p.ProcessQuery(context.Background(), model.QueryRequest{
		Query: "Show me the top 5 customers by balance",
	})

	require.NotNil(t, resp.SQL)
	assert.Equal(t, model.ValidationValid, resp.SQL.State)
	require.NotNil(t, resp.Verdict)
	assert.True(t, resp.Verdict.Allowed)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 5, resp.Result.RowCount)
	assert.Equal(t, []string{"customers"}, resp.Tables)
	require.Len(t, store.execCalls, 1)
	assert.Contains(t, store.execCalls[0], "FROM customers")
	assert.Empty(t, resp.ErrorKind)

	// The outcome is persisted.
	require.Len(t, store.logs, 1)
	assert.Equal(t, model.RouteSQL, store.logs[0].Route)
	require.NotNil(t, store.logs[0].RowCount)
	assert.Equal(t, 5, *store.logs[0].RowCount)
}

func TestProcessQueryEmptyRetrievalFallsOpen(t *testing.T) {
	store := &fakeStore{} // no catalog tables
	provider := &fakeLLM{replies: []string{"sql_query"}}
	p := testPipeline(t, provider, store, Config{})

	resp := p.ProcessQuery(context.Background(), model.QueryRequest{Query: "count the widgets"})

	assert.Nil(t, resp.SQL)
	assert.Empty(t, store.execCalls)
	assert.NotEmpty(t, resp.Answer)
	// Only the router consulted the LLM; no generation happened.
	assert.Len(t, provider.calls, 1)
}

func TestProcessQueryTimeoutSurfacesAsExecuteError(t *testing.T) {
	store := &fakeStore{
		catalog: customersCatalog(),
		execErr: storage.ErrQueryTimeout,
	}
	provider := &fakeLLM{replies: []string{
		"sql_query",
		"SELECT name FROM customers",
	}}
	p := testPipeline(t, provider, store, Config{})

	resp := p.ProcessQuery(context.Background(), model.QueryRequest{Query: "slow query on customers"})

	assert.Equal(t, model.StageExecute, resp.ErrorKind)
	assert.Contains(t, resp.Answer, "took too long")
	assert.Nil(t, resp.Result)
}

func TestProcessQueryChartOnHappyPath(t *testing.T) {
	store := &fakeStore{
		catalog: customersCatalog(),
		execResult: &model.ExecutionResult{
			Columns:  []string{"account_type", "count"},
			Rows:     [][]any{{"savings", int64(12)}, {"checking", int64(30)}, {"credit", int64(5)}},
			RowCount: 3,
		},
	}
	provider := &fakeLLM{replies: []string{
		"sql_query",
		"SELECT account_type, count(*) AS count FROM customers GROUP BY account_type",
		"There are three account types.",
	}}
	p := testPipeline(t, provider, store, Config{ChartsEnabled: true})

	resp := p.ProcessQuery(context.Background(), model.QueryRequest{
		Query: "Create a pie chart of account types",
	})

	require.NotNil(t, resp.Chart)
	assert.Equal(t, model.ChartPie, resp.Chart.Kind)

	// Charts disabled at the deployment level win over request options.
	p = testPipeline(t, &fakeLLM{replies: provider.replies}, store, Config{ChartsEnabled: false})
	resp = p.ProcessQuery(context.Background(), model.QueryRequest{
		Query:   "Create a pie chart of account types",
		Options: model.QueryOptions{IncludeCharts: true},
	})
	assert.Nil(t, resp.Chart)
}

func TestValidateSQLIsIdempotent(t *testing.T) {
	p := testPipeline(t, nil, &fakeStore{}, Config{AllowList: []string{"users"}})

	first := p.ValidateSQL("SELECT * FROM users")
	second := p.ValidateSQL("SELECT * FROM users")
	assert.Equal(t, first, second)
	assert.True(t, first.Verdict.Allowed)

	blocked := p.ValidateSQL("DELETE FROM users")
	assert.False(t, blocked.Verdict.Allowed)
	assert.Equal(t, blocked, p.ValidateSQL("DELETE FROM users"))
}

func TestValidateSQLForbiddenOpWinsOverRejection(t *testing.T) {
	p := testPipeline(t, nil, &fakeStore{}, Config{})

	// The statement fails the SELECT/WITH pre-check too, but the ordered
	// guardrail checks still run first and name the forbidden operation.
	out := p.ValidateSQL("DROP TABLE accounts")
	assert.Equal(t, model.ValidationRejected, out.SQL.State)
	assert.False(t, out.Verdict.Allowed)
	assert.Equal(t, "forbidden_op", out.Verdict.Rule)

	// A rejection the guardrail cannot see (no FROM clause) falls back to
	// the shape block.
	noFrom := p.ValidateSQL("SELECT 1")
	assert.Equal(t, model.ValidationRejected, noFrom.SQL.State)
	assert.False(t, noFrom.Verdict.Allowed)
	assert.Equal(t, "shape", noFrom.Verdict.Rule)
}

func TestExecuteSQLValidateOnlySkipsDatabase(t *testing.T) {
	store := &fakeStore{execResult: &model.ExecutionResult{RowCount: 1, Columns: []string{"x"}, Rows: [][]any{{int64(1)}}}}
	p := testPipeline(t, nil, store, Config{})

	out, err := p.ExecuteSQL(context.Background(), model.ExecuteSQLRequest{
		SQL:          "SELECT x FROM t",
		ValidateOnly: true,
	})
	require.NoError(t, err)
	assert.True(t, out.Verdict.Allowed)
	assert.Nil(t, out.Result)
	assert.Empty(t, store.execCalls)
}

func TestExecuteSQLBlockedNeverExecutes(t *testing.T) {
	store := &fakeStore{}
	p := testPipeline(t, nil, store, Config{})

	out, err := p.ExecuteSQL(context.Background(), model.ExecuteSQLRequest{SQL: "TRUNCATE t"})
	require.NoError(t, err)
	assert.False(t, out.Verdict.Allowed)
	assert.Empty(t, store.execCalls)
}

func TestExecuteSQLRunsAllowedStatement(t *testing.T) {
	store := &fakeStore{execResult: &model.ExecutionResult{RowCount: 1, Columns: []string{"x"}, Rows: [][]any{{int64(1)}}}}
	p := testPipeline(t, nil, store, Config{})

	out, err := p.ExecuteSQL(context.Background(), model.ExecuteSQLRequest{SQL: "SELECT x FROM t"})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, 1, out.Result.RowCount)
}

func TestGenerateDoesNotExecute(t *testing.T) {
	store := &fakeStore{catalog: customersCatalog()}
	provider := &fakeLLM{replies: []string{
		"sql_query",
		"SELECT name FROM customers",
	}}
	p := testPipeline(t, provider, store, Config{})

	out, err := p.Generate(context.Background(), "list customer names", nil)
	require.NoError(t, err)
	assert.Equal(t, model.RouteSQL, out.Route.Kind)
	assert.Equal(t, model.ValidationValid, out.SQL.State)
	assert.Empty(t, store.execCalls)
}
