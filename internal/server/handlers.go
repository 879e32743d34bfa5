package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/toikake/internal/llm"
	"github.com/ashita-ai/toikake/internal/model"
	"github.com/ashita-ai/toikake/internal/pipeline"
	"github.com/ashita-ai/toikake/internal/search"
	"github.com/ashita-ai/toikake/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	pipeline            *pipeline.Pipeline
	searcher            search.Searcher
	llmProvider         llm.Provider
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Searcher, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	Pipeline            *pipeline.Pipeline
	Searcher            search.Searcher
	LLMProvider         llm.Provider
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		pipeline:            d.Pipeline,
		searcher:            d.Searcher,
		llmProvider:         d.LLMProvider,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleQuery handles POST /v1/query: the full pipeline. The pipeline
// degrades internally, so this handler only fails on malformed input.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req model.QueryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateQueryRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp := h.pipeline.ProcessQuery(r.Context(), req)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGenerate handles POST /v1/sql/generate: router, retrieval, and
// generation without execution.
func (h *Handlers) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req model.GenerateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateQueryRequest(model.QueryRequest{Query: req.Query, History: req.History}); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	out, err := h.pipeline.Generate(r.Context(), req.Query, req.History)
	if err != nil {
		var stageErr *model.StageError
		if errors.As(err, &stageErr) {
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeBlocked, stageErr.Message)
			return
		}
		h.writeInternalError(w, r, "sql generation failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleValidateSQL handles POST /v1/sql/validate: validation and
// guardrail only, no database access.
func (h *Handlers) HandleValidateSQL(w http.ResponseWriter, r *http.Request) {
	var req model.ValidateSQLRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.SQL == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "sql is required")
		return
	}
	if len(req.SQL) > model.MaxSuppliedSQLLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "sql exceeds maximum length")
		return
	}

	writeJSON(w, r, http.StatusOK, h.pipeline.ValidateSQL(req.SQL))
}

// HandleExecuteSQL handles POST /v1/sql/execute: caller-supplied SQL
// through the guardrail and executor.
func (h *Handlers) HandleExecuteSQL(w http.ResponseWriter, r *http.Request) {
	var req model.ExecuteSQLRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.SQL == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "sql is required")
		return
	}
	if len(req.SQL) > model.MaxSuppliedSQLLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "sql exceeds maximum length")
		return
	}

	// Blocked statements still return 200 with the verdict: the check
	// itself succeeded, the statement did not.
	out, err := h.pipeline.ExecuteSQL(r.Context(), req)
	if err != nil {
		h.writeInternalError(w, r, "sql execution failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleListTables handles GET /v1/tables.
func (h *Handlers) HandleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.db.ListCatalog(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list tables", err)
		return
	}

	out := make([]model.TableSummary, 0, len(tables))
	for _, t := range tables {
		out = append(out, model.TableSummary{
			Name:        t.Name,
			Description: t.Description,
			ColumnCount: len(t.Columns),
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleHealth handles GET /health: process liveness only, no
// dependency checks, so load balancers don't restart the process when a
// dependency blips.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		LLM:     h.llmProvider.Name(),
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleReady handles GET /ready: readiness including dependencies.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	pgStatus := "connected"
	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		LLM:      h.llmProvider.Name(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			// Retrieval falls back to pgvector, so a down index only
			// degrades readiness.
			resp.Qdrant = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi spec not available")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs the cause and returns a generic 500 without
// leaking internals to the client.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
