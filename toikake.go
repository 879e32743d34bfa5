// Package toikake is the public API for embedding the Toikake text-to-SQL server.
//
// Consumers import this package to construct and run the server, or to drive
// the query pipeline in-process without HTTP:
//
//	app, err := toikake.New(
//	    toikake.WithVersion(version),
//	    toikake.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: toikake (root) imports
// internal/*, but internal/* never imports toikake (root). Public types
// (Response, Table, etc.) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package toikake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/toikake/api"
	"github.com/ashita-ai/toikake/internal/config"
	"github.com/ashita-ai/toikake/internal/llm"
	"github.com/ashita-ai/toikake/internal/mcp"
	"github.com/ashita-ai/toikake/internal/model"
	"github.com/ashita-ai/toikake/internal/pipeline"
	"github.com/ashita-ai/toikake/internal/ratelimit"
	"github.com/ashita-ai/toikake/internal/search"
	"github.com/ashita-ai/toikake/internal/server"
	"github.com/ashita-ai/toikake/internal/service/embedding"
	"github.com/ashita-ai/toikake/internal/storage"
	"github.com/ashita-ai/toikake/internal/telemetry"
	"github.com/ashita-ai/toikake/migrations"
)

// App is the Toikake server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	pipe         *pipeline.Pipeline
	embedder     embedding.Provider
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	ollamaLLM    *llm.OllamaProvider // nil unless the completion provider is Ollama
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Toikake server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("toikake starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations.
	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify the catalog table exists after migration. If the pgvector
	// extension failed to create, migration 001 fails and the server would
	// start with no schema. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'table_catalog')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'table_catalog' does not exist after migration; check that the pgvector extension can be created")
	}

	// Embedding provider: external override takes priority over auto-detect.
	// Noop collapses to nil so the retriever takes its static-catalog path
	// and the backfill never writes zero vectors into the catalog.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &embedderAdapter{p: o.embeddingProvider}
	} else if p := newEmbeddingProvider(cfg, logger); !isNoopEmbedder(p) {
		embedder = p
	}

	// Completion provider: external override takes priority over auto-detect.
	var provider llm.Provider
	var ollamaLLM *llm.OllamaProvider
	if o.completionProvider != nil {
		provider = &completionAdapter{p: o.completionProvider}
	} else {
		provider, ollamaLLM = newCompletionProvider(cfg, logger)
	}

	// Initialize Qdrant search index and outbox worker (optional; disabled
	// when QDRANT_URL is empty — retrieval falls back to pgvector).
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Query pipeline.
	pipe := pipeline.New(db, searcher, embedder, provider, pipeline.Config{
		RouterModel:    cfg.RouterModel,
		GeneratorModel: cfg.GeneratorModel,
		PolishModel:    cfg.PolishModel,
		TopK:           cfg.RetrievalTopK,
		MinScore:       float32(cfg.RetrievalMinScore),
		AllowList:      cfg.TableAllowList,
		ExecTimeout:    cfg.ExecTimeout,
		MaxRows:        cfg.ExecMaxRows,
		RetryBackoff:   cfg.ExecRetryBackoff,
		ChartsEnabled:  cfg.ChartsEnabled,
	}, logger)

	// MCP server.
	mcpSrv := mcp.New(pipe, db, logger, version)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// HTTP server (MCP mounted at /mcp).
	srv := server.New(server.ServerConfig{
		DB:                  db,
		Pipeline:            pipe,
		LLMProvider:         provider,
		Logger:              logger,
		Limiter:             limiter,
		Searcher:            searcher,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		pipe:         pipe,
		embedder:     embedder,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		limiter:      limiter,
		ollamaLLM:    ollamaLLM,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}

	// Warm up the Ollama chat model before traffic arrives. Without this the
	// first query pays the full cold-start cost (model load from disk), which
	// can exceed the per-call timeout on CPU hardware. Non-fatal.
	if a.ollamaLLM != nil {
		go func() {
			warmCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
			if err := a.ollamaLLM.Warmup(warmCtx); err != nil {
				a.logger.Warn("ollama warmup failed (first query will be slow)", "error", err)
			} else {
				a.logger.Info("ollama chat model ready")
			}
		}()
	}

	// Backfill embeddings for catalog tables stored without one (e.g. when
	// the provider was previously noop). Runs once at startup, non-fatal.
	go func() {
		if n, err := a.backfillCatalogEmbeddings(ctx, 500); err != nil {
			a.logger.Warn("catalog embedding backfill failed", "error", err)
		} else if n > 0 {
			a.logger.Info("catalog embedding backfill complete", "count", n)
		}
	}()

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) sync remaining catalog outbox entries to Qdrant.
// It then closes the Qdrant client, OTEL provider, and database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("toikake shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: outbox drain.
	if a.outbox != nil {
		outboxCtx, outboxCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownOutboxDrainTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	// Cleanup.
	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("toikake stopped")
	return nil
}

// ── Public pipeline access ─────────────────────────────────────────────────────

// Ask runs the full query pipeline in-process, without HTTP. The returned
// Response always carries human-readable Answer text; pipeline failures
// degrade to explanatory answers with ErrorKind set. The error return covers
// request validation only.
func (a *App) Ask(ctx context.Context, req AskRequest) (Response, error) {
	mreq := model.QueryRequest{
		Query:   req.Question,
		History: make([]model.HistoryTurn, 0, len(req.History)),
		Options: model.QueryOptions{
			IncludeCharts: req.IncludeCharts,
			MaxResults:    req.MaxResults,
		},
	}
	for _, t := range req.History {
		mreq.History = append(mreq.History, model.HistoryTurn{Role: t.Role, Content: t.Content})
	}
	if err := model.ValidateQueryRequest(mreq); err != nil {
		return Response{}, fmt.Errorf("toikake: %w", err)
	}
	return toPublicResponse(a.pipe.ProcessQuery(ctx, mreq)), nil
}

// RegisterTable upserts a table into the catalog, computing its embedding
// from the description, DDL, and sample questions. Registered tables become
// candidates for retrieval on the next query.
func (a *App) RegisterTable(ctx context.Context, t Table) error {
	if t.Name == "" {
		return fmt.Errorf("toikake: table name is required")
	}
	if t.DDL == "" {
		return fmt.Errorf("toikake: table DDL is required")
	}

	ct := model.CatalogTable{
		Name:            t.Name,
		DDL:             t.DDL,
		Description:     t.Description,
		SampleQuestions: t.SampleQuestions,
	}
	for _, c := range t.Columns {
		ct.Columns = append(ct.Columns, model.Column{Name: c.Name, Type: c.Type, Description: c.Description})
	}

	var vec *pgvector.Vector
	if a.embedder != nil {
		v, err := a.embedder.Embed(ctx, catalogEmbeddingText(ct))
		if err != nil {
			a.logger.Warn("catalog embed failed, storing without embedding", "table", t.Name, "error", err)
		} else {
			vec = &v
		}
	}

	if _, err := a.db.UpsertCatalogTable(ctx, ct, vec); err != nil {
		return fmt.Errorf("toikake: register table: %w", err)
	}
	a.logger.Info("catalog table registered", "table", t.Name, "embedded", vec != nil)
	return nil
}

// RemoveTable deletes a table from the catalog. Removing a table that does
// not exist is an error.
func (a *App) RemoveTable(ctx context.Context, name string) error {
	if err := a.db.DeleteCatalogTable(ctx, name); err != nil {
		return fmt.Errorf("toikake: remove table: %w", err)
	}
	return nil
}

// backfillCatalogEmbeddings embeds catalog tables stored without an
// embedding, up to limit rows. Returns the number embedded.
func (a *App) backfillCatalogEmbeddings(ctx context.Context, limit int) (int, error) {
	if a.embedder == nil {
		return 0, nil
	}
	tables, err := a.db.CatalogTablesMissingEmbedding(ctx, limit)
	if err != nil {
		return 0, err
	}
	var done int
	for _, t := range tables {
		vec, err := a.embedder.Embed(ctx, catalogEmbeddingText(t))
		if err != nil {
			return done, err
		}
		if err := a.db.SetCatalogEmbedding(ctx, t.ID, vec); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// catalogEmbeddingText builds the text embedded for a catalog table. The
// same composition is used at registration and backfill so vectors stay
// comparable.
func catalogEmbeddingText(t model.CatalogTable) string {
	text := t.Name
	if t.Description != "" {
		text += "\n" + t.Description
	}
	text += "\n" + t.DDL
	for _, q := range t.SampleQuestions {
		text += "\n" + q
	}
	return text
}

// ── Provider selection (auto-detect) ───────────────────────────────────────────

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when TOIKAKE_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaEmbedModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaEmbedModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (retrieval degrades to the full catalog)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaEmbedModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaEmbedModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (retrieval degrades to the full catalog)")
		return embedding.NewNoopProvider(dims)
	}
}

// newCompletionProvider creates a chat completion provider based on
// configuration, mirroring the embedding provider selection. The second
// return is non-nil only for Ollama, so Run() can warm the model up front.
func newCompletionProvider(cfg config.Config, logger *slog.Logger) (llm.Provider, *llm.OllamaProvider) {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when TOIKAKE_LLM_PROVIDER=openai")
			return llm.NoopProvider{}, nil
		}
		logger.Info("llm provider: openai", "router_model", cfg.RouterModel, "generator_model", cfg.GeneratorModel)
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.GeneratorModel), nil
	case "ollama":
		logger.Info("llm provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaChatModel)
		p := llm.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaChatModel)
		return p, p
	case "noop":
		logger.Info("llm provider: noop (SQL generation disabled)")
		return llm.NoopProvider{}, nil
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("llm provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaChatModel)
			p := llm.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaChatModel)
			return p, p
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("llm provider: openai (auto-detected)", "router_model", cfg.RouterModel, "generator_model", cfg.GeneratorModel)
			return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.GeneratorModel), nil
		}
		logger.Warn("no llm provider available, using noop (SQL generation disabled)")
		return llm.NoopProvider{}, nil
	}
}

func isNoopEmbedder(p embedding.Provider) bool {
	_, ok := p.(*embedding.NoopProvider)
	return ok
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// embedderAdapter wraps a public EmbeddingProvider to satisfy the internal
// embedding.Provider interface, converting []float32 to pgvector.Vector at
// the boundary.
type embedderAdapter struct {
	p EmbeddingProvider
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embedderAdapter) Dimensions() int { return a.p.Dimensions() }

// completionAdapter wraps a public CompletionProvider to satisfy llm.Provider.
type completionAdapter struct {
	p CompletionProvider
}

func (a *completionAdapter) Complete(ctx context.Context, req llm.Request) (string, error) {
	creq := ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		creq.Messages = append(creq.Messages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return a.p.Complete(ctx, creq)
}

func (a *completionAdapter) Name() string { return a.p.Name() }

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicResponse converts an internal pipeline response to the public
// toikake.Response. Lives here because this is the only file that imports
// both sides of the boundary.
func toPublicResponse(r *model.PipelineResponse) Response {
	resp := Response{
		Answer:    r.Answer,
		Route:     string(r.Route.Kind),
		Tables:    r.Tables,
		ElapsedMS: r.ElapsedMS,
		ErrorKind: string(r.ErrorKind),
	}
	if r.SQL != nil {
		resp.SQL = r.SQL.Text
	}
	if r.Verdict != nil {
		resp.Blocked = !r.Verdict.Allowed
		resp.BlockReason = r.Verdict.Reason
	}
	if r.Result != nil {
		resp.Columns = r.Result.Columns
		resp.Rows = r.Result.Rows
		resp.RowCount = r.Result.RowCount
		resp.Truncated = r.Result.Truncated
	}
	if r.Chart != nil && r.Chart.Kind != model.ChartNone {
		c := &Chart{
			Kind:   string(r.Chart.Kind),
			Title:  r.Chart.Title,
			XField: r.Chart.XField,
			YField: r.Chart.YField,
		}
		for _, p := range r.Chart.Series {
			c.Points = append(c.Points, ChartPoint{Label: p.Label, Value: p.Value})
		}
		resp.Chart = c
	}
	return resp
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
