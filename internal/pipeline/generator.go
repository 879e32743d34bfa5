package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/toikake/internal/llm"
	"github.com/ashita-ai/toikake/internal/model"
)

const generatorSystemPrompt = `You are a PostgreSQL query writer. Given a question and the schema of the available tables, write exactly one SELECT statement that answers the question.

Rules:
- Output only the SQL statement, no explanation, no code fences.
- Use only the tables and columns listed in the schema.
- Never write INSERT, UPDATE, DELETE, or any DDL.
- Prefer explicit column lists over SELECT *.
- Add a LIMIT clause when the question does not bound the result itself.`

// generate produces exactly one validated statement for the query. A
// statement rejected by validation gets one regeneration attempt with
// the rejection reason folded into the prompt; a second rejection is
// returned as-is so the orchestrator reacts through the guardrail path.
func (p *Pipeline) generate(ctx context.Context, query string, tables model.TableSet) (model.SQLStatement, error) {
	prompt := buildGeneratorPrompt(query, tables, "")

	text, err := p.llm.Complete(ctx, llm.Request{
		Model:       p.cfg.GeneratorModel,
		Messages:    prompt,
		Temperature: 0,
	})
	if err != nil {
		return model.SQLStatement{}, fmt.Errorf("pipeline: generate sql: %w", err)
	}

	stmt := model.SQLStatement{Text: cleanSQLOutput(text), State: model.ValidationUnchecked}
	ValidateStatement(&stmt)
	if stmt.State == model.ValidationValid {
		return stmt, nil
	}

	p.logger.Debug("generator: first attempt rejected, regenerating",
		"reason", stmt.Reason)

	text, err = p.llm.Complete(ctx, llm.Request{
		Model:       p.cfg.GeneratorModel,
		Messages:    buildGeneratorPrompt(query, tables, stmt.Reason),
		Temperature: 0,
	})
	if err != nil {
		// The first attempt produced something; return its rejection
		// rather than masking it with a transport error.
		return stmt, nil
	}

	retry := model.SQLStatement{Text: cleanSQLOutput(text), State: model.ValidationUnchecked}
	ValidateStatement(&retry)
	return retry, nil
}

func buildGeneratorPrompt(query string, tables model.TableSet, rejection string) []llm.Message {
	var b strings.Builder
	b.WriteString("Schema:\n\n")
	for _, t := range tables.Tables {
		b.WriteString(t.DDL)
		b.WriteString("\n")
		if t.Description != "" {
			b.WriteString("-- ")
			b.WriteString(t.Description)
			b.WriteString("\n")
		}
		for _, c := range t.Columns {
			if c.Description != "" {
				fmt.Fprintf(&b, "-- %s.%s: %s\n", t.Name, c.Name, c.Description)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	if rejection != "" {
		b.WriteString("\n\nYour previous attempt was rejected: ")
		b.WriteString(rejection)
		b.WriteString("\nWrite a corrected single SELECT statement.")
	}

	return []llm.Message{
		{Role: "system", Content: generatorSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// ValidateStatement moves a statement from unchecked to valid or
// rejected. It only ever moves state forward: validating an already
// valid or rejected statement is a no-op, so the operation is idempotent.
func ValidateStatement(stmt *model.SQLStatement) {
	if stmt.State != model.ValidationUnchecked && stmt.State != "" {
		return
	}

	trimmed := strings.TrimSpace(stmt.Text)
	if trimmed == "" {
		stmt.State = model.ValidationRejected
		stmt.Reason = "generated statement is empty"
		return
	}

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		stmt.State = model.ValidationRejected
		stmt.Reason = "statement must start with SELECT or WITH"
		return
	}
	if !containsSQLToken(upper, "FROM") {
		stmt.State = model.ValidationRejected
		stmt.Reason = "statement has no FROM clause"
		return
	}

	stmt.State = model.ValidationValid
}

// cleanSQLOutput strips the decoration LLMs wrap around SQL: code
// fences, a leading "sql" language tag, and surrounding whitespace.
func cleanSQLOutput(text string) string {
	s := strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
		s = strings.TrimPrefix(s, "sql")
		s = strings.TrimPrefix(s, "SQL")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
