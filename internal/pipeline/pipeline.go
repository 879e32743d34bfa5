// Package pipeline implements the natural-language-to-SQL query
// pipeline: route, retrieve tables, generate SQL, guard, execute, chart,
// compose. Each stage is a function of its inputs plus external calls;
// no stage keeps cross-request state.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/toikake/internal/llm"
	"github.com/ashita-ai/toikake/internal/model"
	"github.com/ashita-ai/toikake/internal/search"
	"github.com/ashita-ai/toikake/internal/service/embedding"
	"github.com/ashita-ai/toikake/internal/storage"
	"github.com/ashita-ai/toikake/internal/telemetry"
)

// Store is the Postgres surface the pipeline depends on.
type Store interface {
	ListCatalog(ctx context.Context) ([]model.CatalogTable, error)
	GetCatalogTablesByIDs(ctx context.Context, ids []uuid.UUID) ([]model.CatalogTable, error)
	SearchCatalog(ctx context.Context, embedding pgvector.Vector, limit int) ([]storage.CatalogSearchResult, error)
	ExecuteReadOnly(ctx context.Context, sqlText string, cfg storage.ExecConfig) (*model.ExecutionResult, error)
	InsertQueryLog(ctx context.Context, e model.QueryLogEntry) error
}

// Config carries the pipeline's deployment-time tuning.
type Config struct {
	RouterModel    string
	GeneratorModel string
	PolishModel    string

	TopK     int
	MinScore float32

	// AllowList is the deployment table allow-list; empty disables the
	// guardrail's table check.
	AllowList []string

	ExecTimeout  time.Duration
	MaxRows      int
	RetryBackoff time.Duration

	ChartsEnabled bool
}

// Pipeline processes queries. Safe for concurrent use: all fields are
// set at construction and read-only afterward.
type Pipeline struct {
	store     Store
	index     search.Searcher
	embedder  embedding.Provider
	llm       llm.Provider
	guardrail *Guardrail
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New builds a pipeline. index and embedder may be nil; the retriever
// degrades to the static catalog listing. provider must not be nil
// (use llm.NoopProvider when no LLM is configured).
func New(store Store, index search.Searcher, embedder embedding.Provider, provider llm.Provider, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	return &Pipeline{
		store:     store,
		index:     index,
		embedder:  embedder,
		llm:       provider,
		guardrail: NewGuardrail(cfg.AllowList),
		cfg:       cfg,
		logger:    logger,
		tracer:    telemetry.Tracer("toikake/pipeline"),
	}
}

// ProcessQuery runs the full pipeline for one query. It always returns
// a response with human-readable Answer text; failures degrade to
// explanatory answers with ErrorKind set, never to a bare error.
func (p *Pipeline) ProcessQuery(ctx context.Context, req model.QueryRequest) *model.PipelineResponse {
	start := time.Now()
	opts := req.Options.Normalize()

	ctx, span := p.tracer.Start(ctx, "pipeline.process_query")
	defer span.End()

	resp := &model.PipelineResponse{}
	defer func() {
		resp.Elapsed = time.Since(start)
		resp.ElapsedMS = resp.Elapsed.Milliseconds()
		span.SetAttributes(
			attribute.String("toikake.route", string(resp.Route.Kind)),
			attribute.String("toikake.error_kind", string(resp.ErrorKind)),
		)
		p.logOutcome(ctx, req.Query, resp)
	}()

	resp.Route = p.route(ctx, req.Query, req.History)
	if resp.Route.Kind != model.RouteSQL {
		resp.Answer = p.answerDirect(ctx, resp.Route.Kind, req.Query, req.History)
		return resp
	}

	tables, err := p.retrieve(ctx, req.Query)
	if err != nil {
		p.logger.Warn("pipeline: retrieval failed, falling open", "error", err)
		resp.ErrorKind = model.StageRetrieve
		resp.Answer = composeError(model.StageRetrieve)
		return resp
	}
	if len(tables.Tables) == 0 {
		resp.Answer = composeError(model.StageRetrieve)
		return resp
	}
	for _, t := range tables.Tables {
		resp.Tables = append(resp.Tables, t.Name)
	}

	stmt, err := p.generate(ctx, req.Query, tables)
	if err != nil {
		p.logger.Warn("pipeline: generation failed", "error", err)
		resp.ErrorKind = model.StageGenerate
		resp.Answer = composeError(model.StageGenerate)
		return resp
	}
	resp.SQL = &stmt

	verdict := p.verdictFor(stmt)
	resp.Verdict = &verdict
	if !verdict.Allowed {
		resp.Answer = composeBlocked(verdict)
		return resp
	}

	result, err := p.store.ExecuteReadOnly(ctx, stmt.Text, storage.ExecConfig{
		Timeout:      time.Duration(opts.TimeoutSeconds) * time.Second,
		MaxRows:      opts.MaxResults,
		RetryBackoff: p.cfg.RetryBackoff,
	})
	if err != nil {
		resp.ErrorKind = model.StageExecute
		if errors.Is(err, storage.ErrQueryTimeout) {
			resp.Answer = "The query took too long and was cancelled. Try narrowing the time range or adding filters."
		} else {
			p.logger.Warn("pipeline: execution failed", "error", err)
			resp.Answer = composeError(model.StageExecute)
		}
		return resp
	}
	resp.Result = result

	if p.cfg.ChartsEnabled {
		resp.Chart = MaybeChart(req.Query, result, opts.IncludeCharts)
	}

	resp.Answer = p.composeAnswer(ctx, req.Query, result, resp.Chart)
	return resp
}

// answerDirect handles the non-SQL routes. No retrieval, no generation,
// no database call happens on these paths.
func (p *Pipeline) answerDirect(ctx context.Context, kind model.RouteKind, query string, history []model.HistoryTurn) string {
	switch kind {
	case model.RouteGreeting:
		return greetingAnswer
	case model.RouteCapability:
		return capabilityAnswer
	default:
		return p.composeGeneral(ctx, query, history)
	}
}

// verdictFor folds generator-rejected statements into the guardrail
// contract. The ordered guardrail checks always run first, so a
// forbidden operation is named as such regardless of surrounding SQL
// validity; only when the guardrail would allow a rejected statement
// (e.g. a SELECT with no FROM) does the rejection become a shape block.
func (p *Pipeline) verdictFor(stmt model.SQLStatement) model.GuardrailVerdict {
	verdict := p.guardrail.Validate(stmt.Text)
	if !verdict.Allowed {
		return verdict
	}
	if stmt.State == model.ValidationRejected {
		return model.GuardrailVerdict{
			Allowed: false,
			Rule:    "shape",
			Reason:  "the generated statement was not a valid read-only query",
		}
	}
	return verdict
}

// Generate runs the pipeline up to SQL generation without executing.
// Backs POST /v1/sql/generate.
func (p *Pipeline) Generate(ctx context.Context, query string, history []model.HistoryTurn) (model.GenerateResponse, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.generate")
	defer span.End()

	out := model.GenerateResponse{}
	out.Route = p.route(ctx, query, history)
	if out.Route.Kind != model.RouteSQL {
		return out, nil
	}

	tables, err := p.retrieve(ctx, query)
	if err != nil {
		return out, model.NewStageError(model.StageRetrieve, "table retrieval failed", err)
	}
	if len(tables.Tables) == 0 {
		return out, model.NewStageError(model.StageRetrieve, "no matching tables", nil)
	}
	for _, t := range tables.Tables {
		out.Tables = append(out.Tables, t.Name)
	}

	stmt, err := p.generate(ctx, query, tables)
	if err != nil {
		return out, model.NewStageError(model.StageGenerate, "sql generation failed", err)
	}
	out.SQL = stmt
	return out, nil
}

// ValidateSQL validates and guards a caller-supplied statement without
// touching the database. Backs POST /v1/sql/validate.
func (p *Pipeline) ValidateSQL(sqlText string) model.ValidateSQLResponse {
	stmt := model.SQLStatement{Text: sqlText, State: model.ValidationUnchecked}
	ValidateStatement(&stmt)
	return model.ValidateSQLResponse{
		SQL:     stmt,
		Verdict: p.verdictFor(stmt),
	}
}

// ExecuteSQL runs a caller-supplied statement through the same
// guardrail and executor the pipeline uses. Backs POST /v1/sql/execute.
func (p *Pipeline) ExecuteSQL(ctx context.Context, req model.ExecuteSQLRequest) (model.ExecuteSQLResponse, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.execute_sql")
	defer span.End()

	validated := p.ValidateSQL(req.SQL)
	out := model.ExecuteSQLResponse{SQL: validated.SQL, Verdict: validated.Verdict}
	if req.ValidateOnly || !validated.Verdict.Allowed {
		return out, nil
	}

	maxRows := req.MaxResults
	if maxRows <= 0 || maxRows > model.MaxResultsCeiling {
		maxRows = p.cfg.MaxRows
	}
	result, err := p.store.ExecuteReadOnly(ctx, validated.SQL.Text, storage.ExecConfig{
		Timeout:      p.cfg.ExecTimeout,
		MaxRows:      maxRows,
		RetryBackoff: p.cfg.RetryBackoff,
	})
	if err != nil {
		return out, model.NewStageError(model.StageExecute, "execution failed", err)
	}
	out.Result = result
	return out, nil
}

// logOutcome persists the query log entry. Best effort: a logging
// failure never affects the response.
func (p *Pipeline) logOutcome(ctx context.Context, query string, resp *model.PipelineResponse) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	entry := model.QueryLogEntry{
		Query:     query,
		Route:     resp.Route.Kind,
		ElapsedMS: resp.ElapsedMS,
	}
	if resp.SQL != nil {
		entry.SQLText = &resp.SQL.Text
	}
	if resp.Verdict != nil {
		allowed := resp.Verdict.Allowed
		entry.Allowed = &allowed
	}
	if resp.Result != nil {
		count := resp.Result.RowCount
		entry.RowCount = &count
	}
	if resp.ErrorKind != "" {
		kind := string(resp.ErrorKind)
		entry.ErrorKind = &kind
	}
	if err := p.store.InsertQueryLog(logCtx, entry); err != nil {
		p.logger.Warn("pipeline: query log insert failed", "error", err)
	}
}
