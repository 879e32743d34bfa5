package pipeline

import (
	"strings"

	"github.com/ashita-ai/toikake/internal/model"
)

// forbiddenOps are rejected wherever they appear as whole tokens,
// including inside comments and string literals. Matching them there too
// over-rejects occasionally but can never under-reject.
var forbiddenOps = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "ALTER", "TRUNCATE", "GRANT", "EXEC",
}

// Guardrail is the only barrier between generated SQL and the database.
// Checks run in a fixed order and the first failure wins; a statement
// passes only when every check passes. Validate is pure: the same input
// always yields the same verdict.
type Guardrail struct {
	allow map[string]struct{}
}

// NewGuardrail builds a guardrail with the deployment's table allow-list.
// An empty allow-list disables the table check; the forbidden-operation
// and shape checks always apply.
func NewGuardrail(allowList []string) *Guardrail {
	g := &Guardrail{}
	if len(allowList) > 0 {
		g.allow = make(map[string]struct{}, len(allowList))
		for _, name := range allowList {
			g.allow[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
		}
	}
	return g
}

// Validate applies the ordered checks to a statement.
func (g *Guardrail) Validate(sqlText string) model.GuardrailVerdict {
	if op, found := findForbiddenOp(sqlText); found {
		return model.GuardrailVerdict{
			Allowed: false,
			Rule:    "forbidden_op",
			Reason:  "the statement contains a disallowed operation (" + op + ")",
		}
	}

	if g.allow != nil {
		for _, table := range referencedTables(sqlText) {
			if _, ok := g.allow[table]; !ok {
				return model.GuardrailVerdict{
					Allowed: false,
					Rule:    "allow_list",
					Reason:  "the statement references a table that is not available for querying",
				}
			}
		}
	}

	if reason, ok := checkShape(sqlText); !ok {
		return model.GuardrailVerdict{
			Allowed: false,
			Rule:    "shape",
			Reason:  reason,
		}
	}

	return model.GuardrailVerdict{Allowed: true}
}

// findForbiddenOp scans for forbidden keywords at token boundaries, so
// column names like updated_at or inserted_rows never trip the check
// while "update" as its own word always does.
func findForbiddenOp(sqlText string) (string, bool) {
	upper := strings.ToUpper(sqlText)
	for _, op := range forbiddenOps {
		if containsSQLToken(upper, op) {
			return op, true
		}
	}
	return "", false
}

// containsSQLToken reports whether token occurs in text delimited by
// non-identifier characters on both sides. Both arguments must already
// be upper-cased.
func containsSQLToken(text, token string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], token)
		if i < 0 {
			return false
		}
		i += start
		before := i == 0 || !isIdentByte(text[i-1])
		afterIdx := i + len(token)
		after := afterIdx >= len(text) || !isIdentByte(text[afterIdx])
		if before && after {
			return true
		}
		start = i + 1
	}
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// referencedTables extracts the lower-cased identifiers that follow FROM
// and JOIN keywords, minus names bound by a leading WITH clause. It is a
// token-level scan, not a full parser; over-collecting an identifier
// causes at worst a false rejection, which is the direction this
// component is required to err in.
func referencedTables(sqlText string) []string {
	tokens := tokenizeSQL(sqlText)
	ctes := cteNames(tokens)

	var tables []string
	seen := map[string]struct{}{}
	for i := 0; i < len(tokens); i++ {
		t := strings.ToUpper(tokens[i])
		if t != "FROM" && t != "JOIN" {
			continue
		}
		// Collect comma-separated targets after FROM; JOIN takes one.
		for j := i + 1; j < len(tokens); j++ {
			name, next := tableTarget(tokens, j)
			if name != "" {
				if _, isCTE := ctes[name]; !isCTE {
					if _, dup := seen[name]; !dup {
						seen[name] = struct{}{}
						tables = append(tables, name)
					}
				}
			}
			// Only FROM lists continue through commas.
			if t != "FROM" || next >= len(tokens) || tokens[next] != "," {
				break
			}
			j = next
		}
	}
	return tables
}

// tableTarget reads one table reference starting at tokens[i], skipping
// a parenthesized subquery, and returns the referenced name ("" for a
// subquery) plus the index of the token after the target and its
// optional alias.
func tableTarget(tokens []string, i int) (string, int) {
	if i >= len(tokens) {
		return "", i
	}
	if tokens[i] == "(" {
		return "", skipParens(tokens, i)
	}
	name := strings.ToLower(strings.Trim(tokens[i], `"`))
	// Schema-qualified names arrive as separate tokens: name . name.
	j := i + 1
	for j+1 < len(tokens) && tokens[j] == "." {
		name = strings.ToLower(strings.Trim(tokens[j+1], `"`))
		j += 2
	}
	// Skip an optional alias (with or without AS).
	if j < len(tokens) && strings.EqualFold(tokens[j], "AS") {
		j++
	}
	if j < len(tokens) && isIdentToken(tokens[j]) && !isReservedAfterTable(tokens[j]) {
		j++
	}
	return name, j
}

func skipParens(tokens []string, i int) int {
	depth := 0
	for ; i < len(tokens); i++ {
		switch tokens[i] {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

// cteNames returns the lower-cased names bound by a leading WITH clause.
func cteNames(tokens []string) map[string]struct{} {
	names := map[string]struct{}{}
	if len(tokens) == 0 || !strings.EqualFold(tokens[0], "WITH") {
		return names
	}
	i := 1
	if i < len(tokens) && strings.EqualFold(tokens[i], "RECURSIVE") {
		i++
	}
	for i < len(tokens) {
		if !isIdentToken(tokens[i]) {
			break
		}
		names[strings.ToLower(strings.Trim(tokens[i], `"`))] = struct{}{}
		i++
		// Optional column list, then AS (subquery).
		if i < len(tokens) && tokens[i] == "(" {
			i = skipParens(tokens, i)
		}
		if i >= len(tokens) || !strings.EqualFold(tokens[i], "AS") {
			break
		}
		i++
		if i >= len(tokens) || tokens[i] != "(" {
			break
		}
		i = skipParens(tokens, i)
		if i < len(tokens) && tokens[i] == "," {
			i++
			continue
		}
		break
	}
	return names
}

func isIdentToken(tok string) bool {
	if tok == "" {
		return false
	}
	if tok[0] == '"' {
		return len(tok) > 1
	}
	b := tok[0]
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// isReservedAfterTable lists keywords that can directly follow a table
// reference and must not be mistaken for an alias.
func isReservedAfterTable(tok string) bool {
	switch strings.ToUpper(tok) {
	case "WHERE", "GROUP", "ORDER", "LIMIT", "OFFSET", "HAVING", "UNION",
		"INTERSECT", "EXCEPT", "JOIN", "INNER", "LEFT", "RIGHT", "FULL",
		"CROSS", "ON", "USING", "AND", "OR", "SELECT", "WITH", "AS",
		"FETCH", "FOR", "WINDOW", "NATURAL":
		return true
	}
	return false
}

// checkShape verifies the statement is a single well-formed read query:
// non-empty, starts with SELECT or WITH, balanced parentheses and quotes,
// and nothing but whitespace after a terminating semicolon.
func checkShape(sqlText string) (string, bool) {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return "the statement is empty", false
	}

	tokens := tokenizeSQL(trimmed)
	if len(tokens) == 0 {
		return "the statement is empty", false
	}
	first := strings.ToUpper(tokens[0])
	if first != "SELECT" && first != "WITH" {
		return "only SELECT statements can be executed", false
	}

	depth := 0
	for i, tok := range tokens {
		switch tok {
		case "(":
			depth++
		case ")":
			depth--
			if depth < 0 {
				return "the statement is not well formed", false
			}
		case ";":
			if i != len(tokens)-1 {
				return "only a single statement can be executed", false
			}
		}
	}
	if depth != 0 {
		return "the statement is not well formed", false
	}
	if strings.Count(trimmed, "'")%2 != 0 {
		return "the statement is not well formed", false
	}
	return "", true
}

// tokenizeSQL splits SQL text into identifiers, punctuation, and
// literals. String literals collapse to a placeholder token so their
// contents never look like identifiers; comments are dropped.
func tokenizeSQL(sqlText string) []string {
	var tokens []string
	i := 0
	n := len(sqlText)
	for i < n {
		c := sqlText[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < n && sqlText[i+1] == '-':
			for i < n && sqlText[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && sqlText[i+1] == '*':
			i += 2
			for i+1 < n && !(sqlText[i] == '*' && sqlText[i+1] == '/') {
				i++
			}
			i = min(i+2, n)
		case c == '\'':
			j := i + 1
			for j < n {
				if sqlText[j] == '\'' {
					if j+1 < n && sqlText[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			tokens = append(tokens, "'str'")
			i = min(j+1, n)
		case c == '"':
			j := i + 1
			for j < n && sqlText[j] != '"' {
				j++
			}
			tokens = append(tokens, sqlText[i:min(j+1, n)])
			i = min(j+1, n)
		case isIdentByte(c):
			j := i
			for j < n && isIdentByte(sqlText[j]) {
				j++
			}
			tokens = append(tokens, sqlText[i:j])
			i = j
		default:
			tokens = append(tokens, string(c))
			i++
		}
	}
	return tokens
}
