package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/toikake/internal/llm"
	"github.com/ashita-ai/toikake/internal/pipeline"
	"github.com/ashita-ai/toikake/internal/ratelimit"
	"github.com/ashita-ai/toikake/internal/search"
	"github.com/ashita-ai/toikake/internal/storage"
)

// Server is the Toikake HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Limiter, Searcher, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB          *storage.DB
	Pipeline    *pipeline.Pipeline
	LLMProvider llm.Provider
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Searcher  search.Searcher
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Pipeline:            cfg.Pipeline,
		Searcher:            cfg.Searcher,
		LLMProvider:         cfg.LLMProvider,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Separate prefixes so the LLM-backed endpoints and the local SQL
	// endpoints draw from independent buckets.
	queryRL := ratelimit.Middleware(cfg.Limiter, "query", ratelimit.IPKeyFunc, reqIDFunc)
	sqlRL := ratelimit.Middleware(cfg.Limiter, "sql", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Pipeline endpoint (rate limited).
	mux.Handle("POST /v1/query", queryRL(http.HandlerFunc(h.HandleQuery)))

	// SQL endpoints (rate limited).
	mux.Handle("POST /v1/sql/generate", queryRL(http.HandlerFunc(h.HandleGenerate)))
	mux.Handle("POST /v1/sql/validate", sqlRL(http.HandlerFunc(h.HandleValidateSQL)))
	mux.Handle("POST /v1/sql/execute", sqlRL(http.HandlerFunc(h.HandleExecuteSQL)))

	// Catalog listing.
	mux.Handle("GET /v1/tables", sqlRL(http.HandlerFunc(h.HandleListTables)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec (no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health and readiness (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for use in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
