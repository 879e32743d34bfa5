// Package search provides vector retrieval over the table catalog using an
// external search index with transparent fallback to pgvector in Postgres.
package search

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Result holds a catalog table ID and its raw similarity score from the
// search index. The caller hydrates full table metadata from Postgres
// (source of truth).
type Result struct {
	TableID uuid.UUID
	Name    string
	Score   float32
}

// Searcher is the interface for table-metadata vector indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns catalog table IDs matching the query vector.
	// Returns IDs + raw similarity scores; the caller hydrates from Postgres.
	Search(ctx context.Context, embedding []float32, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}

// ReScore boosts results whose table name is mentioned verbatim in the
// query text, sorts descending by adjusted score, and truncates to limit.
// An explicit mention is a strong relevance signal the embedding
// similarity alone can miss for short table names. Ties break on name
// so ordering is deterministic.
func ReScore(results []Result, query string, limit int) []Result {
	q := strings.ToLower(query)

	scored := make([]Result, len(results))
	copy(scored, results)
	for i, r := range scored {
		if r.Name != "" && containsToken(q, strings.ToLower(r.Name)) {
			scored[i].Score = r.Score * 1.25
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Name < scored[j].Name
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// containsToken reports whether name occurs in text at token boundaries,
// so "order" does not match inside "reorder" or "borders".
func containsToken(text, name string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], name)
		if i < 0 {
			return false
		}
		i += start
		before := i == 0 || !isWordByte(text[i-1])
		afterIdx := i + len(name)
		after := afterIdx >= len(text) || !isWordByte(text[afterIdx])
		if before && after {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
