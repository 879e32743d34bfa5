package model

import (
	"time"

	"github.com/google/uuid"
)

// RouteKind classifies what a user query is asking for.
type RouteKind string

const (
	// RouteSQL means the query should be answered from the database.
	RouteSQL RouteKind = "sql_query"
	// RouteGeneral is a question answerable without touching the database.
	RouteGeneral RouteKind = "general"
	// RouteGreeting is small talk (hi, thanks, bye).
	RouteGreeting RouteKind = "greeting"
	// RouteCapability asks what the assistant can do.
	RouteCapability RouteKind = "capability"
)

// RouteDecision is the router's verdict on a query.
type RouteDecision struct {
	Kind   RouteKind `json:"kind"`
	Reason string    `json:"reason,omitempty"`
	// FromLLM is false when the decision came from the keyword
	// pre-check or a fail-open fallback.
	FromLLM bool `json:"-"`
}

// TableInfo is the retrieval-time view of one catalog table.
type TableInfo struct {
	Name            string   `json:"name"`
	DDL             string   `json:"ddl"`
	Description     string   `json:"description,omitempty"`
	Columns         []Column `json:"columns,omitempty"`
	SampleQuestions []string `json:"sample_questions,omitempty"`
	Score           float32  `json:"score,omitempty"`
}

// Column describes one column of a catalog table.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// TableSet is the retriever's output: candidate tables ranked by relevance.
type TableSet struct {
	Tables []TableInfo `json:"tables"`
	// Source records which retrieval path produced the set:
	// "qdrant", "pgvector", or "catalog" (static full listing).
	Source string `json:"source,omitempty"`
}

// ValidationState tracks a generated statement through validation.
type ValidationState string

const (
	ValidationUnchecked ValidationState = "unchecked"
	ValidationValid     ValidationState = "valid"
	ValidationRejected  ValidationState = "rejected"
)

// SQLStatement is a generated statement plus its validation outcome.
// Validation only ever moves State forward from unchecked; re-validating
// a valid or rejected statement returns the same state.
type SQLStatement struct {
	Text   string          `json:"text"`
	State  ValidationState `json:"state"`
	Reason string          `json:"reason,omitempty"` // set when rejected
}

// GuardrailVerdict is the guardrail's decision on a valid statement.
type GuardrailVerdict struct {
	Allowed bool `json:"allowed"`
	// Reason is user-presentable; it names the failed rule without
	// echoing internals.
	Reason string `json:"reason,omitempty"`
	// Rule identifies which check failed: "forbidden_op", "allow_list",
	// or "shape". Empty when allowed.
	Rule string `json:"rule,omitempty"`
}

// ExecutionResult holds the rows returned by the executor.
type ExecutionResult struct {
	Columns   []string      `json:"columns"`
	Rows      [][]any       `json:"rows"`
	RowCount  int           `json:"row_count"`
	Truncated bool          `json:"truncated"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMS int64         `json:"elapsed_ms"`
}

// ChartKind is the kind of chart the generator selected.
type ChartKind string

const (
	ChartNone ChartKind = "none"
	ChartBar  ChartKind = "bar"
	ChartLine ChartKind = "line"
	ChartPie  ChartKind = "pie"
	// ChartScatter is part of the wire vocabulary for completeness; no
	// built-in heuristic selects it (two-column results always map to
	// bar, line, or pie).
	ChartScatter ChartKind = "scatter"
)

// ChartSpec maps an execution result onto a renderable chart. It only
// references columns present in the result; values are never invented.
type ChartSpec struct {
	Kind   ChartKind `json:"kind"`
	Title  string    `json:"title,omitempty"`
	XField string    `json:"x_field,omitempty"`
	YField string    `json:"y_field,omitempty"`
	// Series holds the plotted points as {label, value} pairs taken
	// verbatim from the result rows.
	Series []ChartPoint `json:"series,omitempty"`
}

// ChartPoint is a single plotted point.
type ChartPoint struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// StageKind identifies the pipeline stage where an error originated.
type StageKind string

const (
	StageRoute     StageKind = "route"
	StageRetrieve  StageKind = "retrieve"
	StageGenerate  StageKind = "generate"
	StageGuardrail StageKind = "guardrail"
	StageExecute   StageKind = "execute"
	StageChart     StageKind = "chart"
)

// StageError is a typed pipeline failure. It carries the stage it came
// from and a message safe to show to the user; the wrapped cause stays
// internal (logs only).
type StageError struct {
	Stage   StageKind
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return string(e.Stage) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Stage) + ": " + e.Message
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError builds a StageError for the given stage.
func NewStageError(stage StageKind, message string, err error) *StageError {
	return &StageError{Stage: stage, Message: message, Err: err}
}

// HistoryTurn is one prior exchange given to the router for context.
type HistoryTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// PipelineResponse is the boundary result of processing one query.
// Answer is always set to human-readable text, whatever happened inside.
type PipelineResponse struct {
	Answer    string            `json:"answer"`
	Route     RouteDecision     `json:"route"`
	SQL       *SQLStatement     `json:"sql,omitempty"`
	Verdict   *GuardrailVerdict `json:"verdict,omitempty"`
	Result    *ExecutionResult  `json:"result,omitempty"`
	Chart     *ChartSpec        `json:"chart,omitempty"`
	Tables    []string          `json:"tables,omitempty"` // names considered by the generator
	Elapsed   time.Duration     `json:"-"`
	ElapsedMS int64             `json:"elapsed_ms"`
	// ErrorKind names the failed stage when the pipeline degraded;
	// empty on clean runs (including guardrail blocks, which are
	// outcomes, not errors).
	ErrorKind StageKind `json:"error_kind,omitempty"`
}

// QueryLogEntry is the persisted record of one processed query.
type QueryLogEntry struct {
	ID        uuid.UUID `json:"id"`
	Query     string    `json:"query"`
	Route     RouteKind `json:"route"`
	SQLText   *string   `json:"sql,omitempty"`
	Allowed   *bool     `json:"allowed,omitempty"`
	RowCount  *int      `json:"row_count,omitempty"`
	ErrorKind *string   `json:"error_kind,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// CatalogTable is the storage representation of a registered table.
type CatalogTable struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	DDL             string    `json:"ddl"`
	Description     string    `json:"description,omitempty"`
	Columns         []Column  `json:"columns,omitempty"`
	SampleQuestions []string  `json:"sample_questions,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Info converts a catalog row to its retrieval-time view.
func (t CatalogTable) Info() TableInfo {
	return TableInfo{
		Name:            t.Name,
		DDL:             t.DDL,
		Description:     t.Description,
		Columns:         t.Columns,
		SampleQuestions: t.SampleQuestions,
	}
}
