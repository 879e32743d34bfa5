package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/toikake/internal/llm"
	"github.com/ashita-ai/toikake/internal/model"
)

const capabilityAnswer = `I answer questions about the data in this system's database. Ask me things like "how many orders came in last week" or "show the top customers by revenue", and I can draw bar, line, and pie charts of the results. I only read data, never change it.`

const greetingAnswer = `Hello! Ask me a question about your data and I'll query the database for you.`

const polishSystemPrompt = `You summarize database query results for a user.
Write one or two short sentences answering the user's question using ONLY the values in the result sample below. Mention the total row count. Never invent numbers, names, or rows that are not in the sample. No markdown tables.`

// previewRows bounds how many rows the composer quotes back, both in
// the LLM prompt and in the plain-text preview.
const previewRows = 5

// composeAnswer turns an execution result into the final answer text.
// The deterministic summary is always built first; the LLM polish step
// may replace the leading sentence but any polish failure falls back to
// the deterministic text, so the user always gets an answer grounded in
// the actual rows.
func (p *Pipeline) composeAnswer(ctx context.Context, query string, result *model.ExecutionResult, chart *model.ChartSpec) string {
	if result.RowCount == 0 {
		return "The query ran successfully but returned no matching records."
	}

	summary := summarySentence(result)
	preview := previewTable(result)

	polished, err := p.polish(ctx, query, result)
	if err == nil && polished != "" {
		summary = polished
	} else if err != nil {
		p.logger.Debug("composer: polish skipped", "error", err)
	}

	var b strings.Builder
	b.WriteString(summary)
	if preview != "" {
		b.WriteString("\n\n")
		b.WriteString(preview)
	}
	if chart != nil {
		fmt.Fprintf(&b, "\n\nA %s chart of %s by %s is included.",
			chart.Kind, chart.YField, chart.XField)
	}
	return b.String()
}

func summarySentence(result *model.ExecutionResult) string {
	if result.Truncated {
		return fmt.Sprintf("Found %d records (more exist; the result was truncated).", result.RowCount)
	}
	return fmt.Sprintf("Found %d records.", result.RowCount)
}

// polish asks the LLM for a one-sentence answer grounded in a bounded
// sample of the rows. Low temperature; errors are non-fatal.
func (p *Pipeline) polish(ctx context.Context, query string, result *model.ExecutionResult) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nTotal rows: %d", query, result.RowCount)
	if result.Truncated {
		b.WriteString(" (truncated)")
	}
	b.WriteString("\n\nResult sample:\n")
	b.WriteString(strings.Join(result.Columns, " | "))
	b.WriteString("\n")
	for i, row := range result.Rows {
		if i == previewRows {
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = formatLabel(v)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}

	text, err := p.llm.Complete(ctx, llm.Request{
		Model: p.cfg.PolishModel,
		Messages: []llm.Message{
			{Role: "system", Content: polishSystemPrompt},
			{Role: "user", Content: b.String()},
		},
		Temperature: 0.1,
		MaxTokens:   200,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// previewTable renders the first rows as aligned plain text.
func previewTable(result *model.ExecutionResult) string {
	if len(result.Columns) == 0 || len(result.Rows) == 0 {
		return ""
	}

	shown := min(previewRows, len(result.Rows))
	widths := make([]int, len(result.Columns))
	cells := make([][]string, shown+1)
	cells[0] = result.Columns
	for i := range result.Columns {
		widths[i] = len(result.Columns[i])
	}
	for r := 0; r < shown; r++ {
		row := result.Rows[r]
		line := make([]string, len(result.Columns))
		for c := range result.Columns {
			if c < len(row) {
				line[c] = formatLabel(row[c])
			}
			if len(line[c]) > widths[c] {
				widths[c] = len(line[c])
			}
		}
		cells[r+1] = line
	}

	var b strings.Builder
	for r, line := range cells {
		for c, cell := range line {
			if c > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if c < len(line)-1 {
				b.WriteString(strings.Repeat(" ", widths[c]-len(cell)))
			}
		}
		b.WriteString("\n")
		if r == 0 {
			total := 0
			for c, w := range widths {
				if c > 0 {
					total += 2
				}
				total += w
			}
			b.WriteString(strings.Repeat("-", total))
			b.WriteString("\n")
		}
	}
	if len(result.Rows) > shown {
		fmt.Fprintf(&b, "... and %d more rows\n", len(result.Rows)-shown)
	}
	return strings.TrimRight(b.String(), "\n")
}

// composeGeneral answers a non-SQL query conversationally. Provider
// errors fall back to a static answer so the boundary contract (always
// return text) holds even with no LLM configured.
func (p *Pipeline) composeGeneral(ctx context.Context, query string, history []model.HistoryTurn) string {
	messages := []llm.Message{{
		Role:    "system",
		Content: "You are a helpful assistant for a data-analysis service. Answer briefly. If the question needs database data you do not have, say so and suggest rephrasing it as a data question.",
	}}
	for _, turn := range windowHistory(history) {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: query})

	text, err := p.llm.Complete(ctx, llm.Request{
		Model:       p.cfg.PolishModel,
		Messages:    messages,
		Temperature: 0.3,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		return "I can best help with questions about the data in the database. Try asking about the records you are interested in."
	}
	return strings.TrimSpace(text)
}

// composeBlocked phrases a guardrail rejection. The verdict reason is
// already user-presentable; internals never reach this function.
func composeBlocked(verdict model.GuardrailVerdict) string {
	reason := verdict.Reason
	if reason == "" {
		reason = "it did not pass the safety checks"
	}
	return "I can't run that query: " + reason + ". I can only execute read-only SELECT queries against the approved tables."
}

// composeError maps a stage failure to a friendly message without
// leaking internals.
func composeError(stage model.StageKind) string {
	switch stage {
	case model.StageRetrieve:
		return "I couldn't identify which tables relate to your question. Try naming the data you are interested in more specifically."
	case model.StageGenerate:
		return "I wasn't able to turn that question into a query. Could you rephrase it?"
	case model.StageExecute:
		return "The query could not be completed. It may have taken too long or referenced something unavailable; try narrowing it down."
	default:
		return "Something went wrong while processing your question. Please try again."
	}
}
