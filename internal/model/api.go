package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Field length limits for query requests. These keep a single oversized
// request from exhausting the embedding pipeline or the LLM context
// window with caller-controlled input.
const (
	MaxQueryLen        = 8 * 1024 // 8 KB
	MaxHistoryTurns    = 20
	MaxHistoryTurnLen  = 4 * 1024
	MaxSuppliedSQLLen  = 32 * 1024
	DefaultMaxResults  = 500
	MaxResultsCeiling  = 1000
	DefaultTimeoutSecs = 10
	MaxTimeoutSecs     = 60
)

// QueryOptions tunes a single query request.
type QueryOptions struct {
	IncludeCharts  bool `json:"include_charts,omitempty"`
	MaxResults     int  `json:"max_results,omitempty"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
}

// Normalize clamps options to their allowed ranges, applying defaults
// for zero values.
func (o QueryOptions) Normalize() QueryOptions {
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	if o.MaxResults > MaxResultsCeiling {
		o.MaxResults = MaxResultsCeiling
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = DefaultTimeoutSecs
	}
	if o.TimeoutSeconds > MaxTimeoutSecs {
		o.TimeoutSeconds = MaxTimeoutSecs
	}
	return o
}

// QueryRequest is the request body for POST /v1/query.
type QueryRequest struct {
	Query   string        `json:"query"`
	History []HistoryTurn `json:"history,omitempty"`
	Options QueryOptions  `json:"options,omitempty"`
}

// ValidateQueryRequest checks request field limits before any pipeline work.
func ValidateQueryRequest(r QueryRequest) error {
	if r.Query == "" {
		return fmt.Errorf("query is required")
	}
	if len(r.Query) > MaxQueryLen {
		return fmt.Errorf("query exceeds maximum length of %d bytes", MaxQueryLen)
	}
	if !utf8.ValidString(r.Query) {
		return fmt.Errorf("query must be valid UTF-8")
	}
	if len(r.History) > MaxHistoryTurns {
		return fmt.Errorf("history exceeds maximum of %d turns", MaxHistoryTurns)
	}
	for i, t := range r.History {
		if len(t.Content) > MaxHistoryTurnLen {
			return fmt.Errorf("history[%d] exceeds maximum length of %d bytes", i, MaxHistoryTurnLen)
		}
	}
	return nil
}

// GenerateRequest is the request body for POST /v1/sql/generate.
type GenerateRequest struct {
	Query   string        `json:"query"`
	History []HistoryTurn `json:"history,omitempty"`
}

// GenerateResponse is the response for POST /v1/sql/generate.
type GenerateResponse struct {
	SQL    SQLStatement  `json:"sql"`
	Route  RouteDecision `json:"route"`
	Tables []string      `json:"tables,omitempty"`
}

// ValidateSQLRequest is the request body for POST /v1/sql/validate.
type ValidateSQLRequest struct {
	SQL string `json:"sql"`
}

// ValidateSQLResponse is the response for POST /v1/sql/validate.
type ValidateSQLResponse struct {
	SQL     SQLStatement     `json:"sql"`
	Verdict GuardrailVerdict `json:"verdict"`
}

// ExecuteSQLRequest is the request body for POST /v1/sql/execute.
// With ValidateOnly set, the statement goes through validation and the
// guardrail but never reaches the database.
type ExecuteSQLRequest struct {
	SQL          string `json:"sql"`
	ValidateOnly bool   `json:"validate_only,omitempty"`
	MaxResults   int    `json:"max_results,omitempty"`
}

// ExecuteSQLResponse is the response for POST /v1/sql/execute.
type ExecuteSQLResponse struct {
	SQL     SQLStatement     `json:"sql"`
	Verdict GuardrailVerdict `json:"verdict"`
	Result  *ExecutionResult `json:"result,omitempty"`
}

// TableSummary is one entry in the GET /v1/tables listing.
type TableSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ColumnCount int    `json:"column_count"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeBlocked       = "BLOCKED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres,omitempty"`
	Qdrant   string `json:"qdrant,omitempty"`
	LLM      string `json:"llm"`
	Uptime   int64  `json:"uptime_seconds"`
}
