package pipeline

import (
	"context"
	"strings"

	"github.com/ashita-ai/toikake/internal/llm"
	"github.com/ashita-ai/toikake/internal/model"
)

const routerSystemPrompt = `You classify user messages for a database question-answering assistant.

Reply with exactly one label on the first line:
sql_query   - the message asks about data that lives in a database (counts, lists, totals, trends, lookups)
general     - a question answerable without the database
greeting    - small talk, thanks, goodbyes
capability  - the user asks what you can do

Optionally add a short reason on the second line. Output nothing else.`

// Router history window. Older turns add tokens without improving the
// classification.
const (
	routerHistoryTurns = 6
	routerHistoryRunes = 2000
)

// greetingWords routes trivially conversational inputs without an LLM
// call. Matched against the whole trimmed query, not substrings.
var greetingWords = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {}, "thanks": {},
	"thank you": {}, "bye": {}, "goodbye": {}, "good morning": {},
	"good afternoon": {}, "good evening": {}, "how are you": {},
}

// route classifies the query. The decision is advisory: downstream
// stages still verify retrieval produced usable tables. Any provider
// error or unparseable reply falls open to the general path so the user
// always gets an answer, never an unsanctioned execution.
func (p *Pipeline) route(ctx context.Context, query string, history []model.HistoryTurn) model.RouteDecision {
	normalized := strings.ToLower(strings.Trim(strings.TrimSpace(query), ".!?"))
	if _, ok := greetingWords[normalized]; ok {
		return model.RouteDecision{Kind: model.RouteGreeting, Reason: "greeting"}
	}

	messages := []llm.Message{{Role: "system", Content: routerSystemPrompt}}
	for _, turn := range windowHistory(history) {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: query})

	text, err := p.llm.Complete(ctx, llm.Request{
		Model:       p.cfg.RouterModel,
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   60,
	})
	if err != nil {
		p.logger.Warn("router: classification failed, falling open to general", "error", err)
		return model.RouteDecision{Kind: model.RouteGeneral, Reason: "classifier unavailable"}
	}

	return parseRouteReply(text)
}

// parseRouteReply reads the label line of the classifier output.
// Unrecognized labels fall open to general.
func parseRouteReply(text string) model.RouteDecision {
	lines := strings.SplitN(strings.TrimSpace(text), "\n", 2)
	label := strings.ToLower(strings.TrimSpace(lines[0]))
	label = strings.Trim(label, "`\"'.")

	reason := ""
	if len(lines) > 1 {
		reason = strings.TrimSpace(lines[1])
	}

	switch label {
	case "sql_query", "sql":
		return model.RouteDecision{Kind: model.RouteSQL, Reason: reason, FromLLM: true}
	case "general":
		return model.RouteDecision{Kind: model.RouteGeneral, Reason: reason, FromLLM: true}
	case "greeting":
		return model.RouteDecision{Kind: model.RouteGreeting, Reason: reason, FromLLM: true}
	case "capability":
		return model.RouteDecision{Kind: model.RouteCapability, Reason: reason, FromLLM: true}
	default:
		return model.RouteDecision{Kind: model.RouteGeneral, Reason: "unrecognized classification"}
	}
}

// windowHistory keeps the most recent turns within the router's budget.
func windowHistory(history []model.HistoryTurn) []model.HistoryTurn {
	if len(history) > routerHistoryTurns {
		history = history[len(history)-routerHistoryTurns:]
	}
	out := make([]model.HistoryTurn, 0, len(history))
	budget := routerHistoryRunes
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		runes := []rune(turn.Content)
		if len(runes) > budget {
			if budget <= 0 {
				break
			}
			turn.Content = string(runes[len(runes)-budget:])
			runes = runes[:budget]
		}
		budget -= len(runes)
		out = append(out, turn)
	}
	// Reverse back to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
