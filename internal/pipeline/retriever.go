package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/toikake/internal/model"
	"github.com/ashita-ai/toikake/internal/search"
)

// retrieve selects candidate tables for the query. Paths, in order of
// preference: the dedicated vector index, in-Postgres pgvector search,
// and finally the static catalog listing when no embedder is configured.
// An empty set is a valid outcome meaning "cannot answer with SQL", not
// an error.
func (p *Pipeline) retrieve(ctx context.Context, query string) (model.TableSet, error) {
	if p.embedder == nil {
		return p.staticCatalog(ctx)
	}

	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return model.TableSet{}, fmt.Errorf("pipeline: embed query: %w", err)
	}

	if p.index != nil {
		set, err := p.retrieveFromIndex(ctx, query, vec.Slice())
		if err == nil {
			return set, nil
		}
		p.logger.Warn("retriever: index search failed, falling back to pgvector", "error", err)
	}

	results, err := p.store.SearchCatalog(ctx, vec, p.cfg.TopK)
	if err != nil {
		return model.TableSet{}, fmt.Errorf("pipeline: pgvector search: %w", err)
	}

	var tables []model.TableInfo
	for _, r := range results {
		if r.Score < p.cfg.MinScore {
			continue
		}
		info := r.Table.Info()
		info.Score = r.Score
		tables = append(tables, info)
	}
	return model.TableSet{Tables: tables, Source: "pgvector"}, nil
}

func (p *Pipeline) retrieveFromIndex(ctx context.Context, query string, embedding []float32) (model.TableSet, error) {
	hits, err := p.index.Search(ctx, embedding, p.cfg.TopK)
	if err != nil {
		return model.TableSet{}, err
	}
	hits = search.ReScore(hits, query, p.cfg.TopK)

	var ids []uuid.UUID
	scores := make(map[uuid.UUID]float32, len(hits))
	for _, h := range hits {
		if h.Score < p.cfg.MinScore {
			continue
		}
		ids = append(ids, h.TableID)
		scores[h.TableID] = h.Score
	}
	if len(ids) == 0 {
		return model.TableSet{Source: "qdrant"}, nil
	}

	rows, err := p.store.GetCatalogTablesByIDs(ctx, ids)
	if err != nil {
		return model.TableSet{}, fmt.Errorf("hydrate tables: %w", err)
	}
	byID := make(map[uuid.UUID]model.CatalogTable, len(rows))
	for _, t := range rows {
		byID[t.ID] = t
	}

	// Preserve the index's relevance order; rows the catalog no longer
	// has are dropped.
	var tables []model.TableInfo
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			continue
		}
		info := t.Info()
		info.Score = scores[id]
		tables = append(tables, info)
	}
	return model.TableSet{Tables: tables, Source: "qdrant"}, nil
}

// staticCatalog lists every registered table. Used when no embedding
// provider is configured; small catalogs fit in the generator prompt
// without ranking.
func (p *Pipeline) staticCatalog(ctx context.Context) (model.TableSet, error) {
	rows, err := p.store.ListCatalog(ctx)
	if err != nil {
		return model.TableSet{}, fmt.Errorf("pipeline: list catalog: %w", err)
	}
	tables := make([]model.TableInfo, 0, len(rows))
	for _, t := range rows {
		tables = append(tables, t.Info())
	}
	return model.TableSet{Tables: tables, Source: "catalog"}, nil
}
