package conduit

import (
	"context"
	"strings"
)

// KnowledgeResult is one item returned by the Knowledge Query Adapter: a
// uniform shape over whatever the underlying Retriever produced.
type KnowledgeResult struct {
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity,omitempty"`
}

// SearchOptions parameterizes a Knowledge Query Adapter search.
type SearchOptions struct {
	Limit     int
	Threshold float64
	Category  string
}

// KnowledgeStore is the subset of Store a fallback keyword search needs
// when no embedding capability is configured.
type KnowledgeStore interface {
	SearchChunksKeyword(ctx context.Context, query string, topK int, filters ...ChunkFilter) ([]ScoredChunk, error)
}

// KnowledgeQueryAdapter is the uniform semantic/keyword search facade over
// an external document store. It never returns an error
// to callers: absence of an embedding capability degrades to keyword
// search, and absence of the underlying store yields an empty result.
type KnowledgeQueryAdapter struct {
	retriever Retriever      // hybrid/semantic path, may be nil
	fallback  KnowledgeStore // keyword-only path, may be nil
	tracer    Tracer
}

// NewKnowledgeQueryAdapter wires the adapter. Either argument may be nil;
// SemanticSearch degrades gracefully through whichever is present.
func NewKnowledgeQueryAdapter(retriever Retriever, fallback KnowledgeStore, tracer Tracer) *KnowledgeQueryAdapter {
	return &KnowledgeQueryAdapter{retriever: retriever, fallback: fallback, tracer: tracer}
}

// SemanticSearch implements the Task Runner's KnowledgeAdapter and the
// Hypergraph Memory Engine's evidence-gathering interface. limit caps the
// result count; threshold is a similarity floor applied when the
// retriever reports scores (keyword-only fallback has no similarity
// concept and is never filtered by threshold).
func (k *KnowledgeQueryAdapter) SemanticSearch(ctx context.Context, query string, limit int, threshold float64) ([]KnowledgeSnippet, error) {
	results, _ := k.Search(ctx, query, SearchOptions{Limit: limit, Threshold: threshold})
	out := make([]KnowledgeSnippet, len(results))
	for i, r := range results {
		out[i] = KnowledgeSnippet{Title: r.Title, Content: r.Content, Similarity: r.Similarity}
	}
	return out, nil
}

// Search is the full-fidelity entry point used by HTTP handlers and the
// Hypergraph Memory Engine's retrieve step. It never errors to the
// caller: a failing retriever falls through to keyword search, and a
// failing keyword search yields an empty list.
func (k *KnowledgeQueryAdapter) Search(ctx context.Context, query string, opts SearchOptions) ([]KnowledgeResult, error) {
	var span Span
	if k.tracer != nil {
		ctx, span = k.tracer.Start(ctx, "knowledge.retrieve", StringAttr("query", query))
		defer span.End()
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	var filters []ChunkFilter
	if opts.Category != "" {
		filters = append(filters, CategoryFilter(opts.Category))
	}

	if k.retriever != nil {
		results, err := k.retriever.Retrieve(ctx, query, limit, filters...)
		if err == nil {
			out := make([]KnowledgeResult, 0, len(results))
			for _, r := range results {
				if opts.Threshold > 0 && float64(r.Score) < opts.Threshold {
					continue
				}
				out = append(out, KnowledgeResult{
					Title:      r.DocumentTitle,
					Content:    r.Content,
					Similarity: float64(r.Score),
				})
			}
			return out, nil
		}
		if span != nil {
			span.Event("retriever failed, falling back to keyword search")
		}
	}

	if k.fallback == nil {
		return nil, nil
	}
	chunks, err := k.fallback.SearchChunksKeyword(ctx, query, limit, filters...)
	if err != nil {
		return nil, nil
	}
	out := make([]KnowledgeResult, len(chunks))
	for i, c := range chunks {
		out[i] = KnowledgeResult{Title: documentTitleFallback(c), Content: c.Content}
	}
	return out, nil
}

func documentTitleFallback(c ScoredChunk) string {
	if c.DocumentID != "" {
		return c.DocumentID
	}
	return strings.TrimSpace(c.Content[:min(40, len(c.Content))])
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
