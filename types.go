package toikake

// Public types are curated views of internal/model types for use in the
// embedding API. No internal package imports; safe to use from outside the
// module. Conversion helpers live in toikake.go.

// Turn is one prior exchange passed to the router for context.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// AskRequest is one natural language question for the pipeline.
type AskRequest struct {
	Question string
	History  []Turn
	// IncludeCharts asks the chart generator to run on the result set.
	IncludeCharts bool
	// MaxResults caps returned rows; 0 applies the server default.
	MaxResults int
}

// Response is the outcome of processing one question. Answer is always set
// to human-readable text, whatever happened inside.
type Response struct {
	Answer string
	// Route is the router's classification: "sql_query", "general",
	// "greeting", or "capability".
	Route string
	// SQL is the generated statement; empty on non-SQL routes.
	SQL string
	// Blocked reports a guardrail rejection. BlockReason names the failed
	// rule in user-presentable terms.
	Blocked     bool
	BlockReason string
	Columns     []string
	Rows        [][]any
	RowCount    int
	Truncated   bool
	Chart       *Chart
	// Tables lists the catalog tables the generator considered.
	Tables    []string
	ElapsedMS int64
	// ErrorKind names the failed pipeline stage when processing degraded;
	// empty on clean runs (including guardrail blocks, which are outcomes,
	// not errors).
	ErrorKind string
}

// Chart maps a result set onto a renderable chart.
type Chart struct {
	Kind   string // "bar", "line", or "pie"
	Title  string
	XField string
	YField string
	Points []ChartPoint
}

// ChartPoint is a single plotted point.
type ChartPoint struct {
	Label string
	Value float64
}

// TableColumn describes one column of a registered table.
type TableColumn struct {
	Name        string
	Type        string
	Description string
}

// Table is a catalog registration. Name and DDL are required; Description
// and SampleQuestions improve retrieval quality.
type Table struct {
	Name            string
	DDL             string
	Description     string
	Columns         []TableColumn
	SampleQuestions []string
}

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// ChatRequest holds one completion call. Model may be empty, in which case
// the provider's default model is used.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float32
	MaxTokens   int // 0 means provider default
}
