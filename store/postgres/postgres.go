// Package postgres implements conduit.Store and conduit.MemoryStore using
// PostgreSQL with pgvector for native vector similarity search and
// tsvector for full-text keyword search.
//
// Both Store and MemoryStore accept an externally-owned *pgxpool.Pool
// via constructor injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeworks/conduit"
)

// Store implements conduit.Store backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector (current behavior)
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store or MemoryStore.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied via SET LOCAL during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ conduit.Store = (*Store)(nil)
var _ conduit.KeywordSearcher = (*Store)(nil)
var _ conduit.GraphStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init runs every pending goose migration embedded in migrations/, then
// applies the instance-specific vector tuning (embedding dimension, HNSW
// build/search parameters) that varies per deployment and so can't live in
// a versioned migration file. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	if err := runMigrations(s.pool); err != nil {
		return err
	}

	hnswWith := s.hnswWithClause()
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks USING hnsw (embedding vector_cosine_ops)%s`, hnswWith,
	)); err != nil {
		return fmt.Errorf("postgres: create embedding index: %w", err)
	}

	if s.cfg.embeddingDimension > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(
			`ALTER TABLE chunks ALTER COLUMN embedding TYPE %s`, s.vectorType(),
		)); err != nil {
			return fmt.Errorf("postgres: set embedding dimension: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	return nil
}

// --- Documents + Chunks ---

// StoreDocument inserts a document and all its chunks in a single transaction.
func (s *Store) StoreDocument(ctx context.Context, doc conduit.Document, chunks []conduit.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (id, title, source, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   source = EXCLUDED.source,
		   content = EXCLUDED.content,
		   created_at = EXCLUDED.created_at`,
		doc.ID, doc.Title, doc.Source, doc.Content, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert document: %w", err)
	}

	for _, chunk := range chunks {
		var parentID *string
		if chunk.ParentID != "" {
			parentID = &chunk.ParentID
		}
		var metaJSON *string
		if chunk.Metadata != nil {
			data, _ := json.Marshal(chunk.Metadata)
			v := string(data)
			metaJSON = &v
		}

		if len(chunk.Embedding) > 0 {
			embStr := serializeEmbedding(chunk.Embedding)
			_, err = tx.Exec(ctx,
				`INSERT INTO chunks (id, document_id, parent_id, content, chunk_index, embedding, metadata)
				 VALUES ($1, $2, $3, $4, $5, $6::vector, $7::jsonb)
				 ON CONFLICT (id) DO UPDATE SET
				   document_id = EXCLUDED.document_id,
				   parent_id = EXCLUDED.parent_id,
				   content = EXCLUDED.content,
				   chunk_index = EXCLUDED.chunk_index,
				   embedding = EXCLUDED.embedding,
				   metadata = EXCLUDED.metadata`,
				chunk.ID, chunk.DocumentID, parentID, chunk.Content, chunk.ChunkIndex, embStr, metaJSON)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO chunks (id, document_id, parent_id, content, chunk_index, embedding, metadata)
				 VALUES ($1, $2, $3, $4, $5, NULL, $6::jsonb)
				 ON CONFLICT (id) DO UPDATE SET
				   document_id = EXCLUDED.document_id,
				   parent_id = EXCLUDED.parent_id,
				   content = EXCLUDED.content,
				   chunk_index = EXCLUDED.chunk_index,
				   embedding = NULL,
				   metadata = EXCLUDED.metadata`,
				chunk.ID, chunk.DocumentID, parentID, chunk.Content, chunk.ChunkIndex, metaJSON)
		}
		if err != nil {
			return fmt.Errorf("postgres: insert chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// ListDocuments returns all documents ordered by most recently created first.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]conduit.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, source, content, created_at
		 FROM documents
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list documents: %w", err)
	}
	defer rows.Close()

	var docs []conduit.Document
	for rows.Next() {
		var d conduit.Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Source, &d.Content, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and all its chunks in a single transaction.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM chunk_edges WHERE source_id IN (SELECT id FROM chunks WHERE document_id = $1) OR target_id IN (SELECT id FROM chunks WHERE document_id = $1)`, id); err != nil {
		return fmt.Errorf("postgres: delete document edges: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete document chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete document: %w", err)
	}
	return tx.Commit(ctx)
}

// buildChunkFiltersPg translates ChunkFilter values into Postgres WHERE clauses.
// startParam is the next $N placeholder number.
func buildChunkFiltersPg(filters []conduit.ChunkFilter, startParam int) (string, []any, bool) {
	if len(filters) == 0 {
		return "", nil, false
	}
	var clauses []string
	var args []any
	needsDocJoin := false
	p := startParam

	for _, f := range filters {
		switch {
		case f.Field == "document_id":
			if f.Op == conduit.OpIn {
				ids, ok := f.Value.([]string)
				if !ok || len(ids) == 0 {
					continue
				}
				placeholders := make([]string, len(ids))
				for i, id := range ids {
					placeholders[i] = fmt.Sprintf("$%d", p)
					p++
					args = append(args, id)
				}
				clauses = append(clauses, "c.document_id IN ("+strings.Join(placeholders, ",")+")")
			} else if f.Op == conduit.OpEq {
				clauses = append(clauses, fmt.Sprintf("c.document_id = $%d", p))
				p++
				args = append(args, f.Value)
			}

		case f.Field == "source":
			needsDocJoin = true
			clauses = append(clauses, fmt.Sprintf("d.source = $%d", p))
			p++
			args = append(args, f.Value)

		case f.Field == "created_at":
			needsDocJoin = true
			if f.Op == conduit.OpGt {
				clauses = append(clauses, fmt.Sprintf("d.created_at > $%d", p))
			} else if f.Op == conduit.OpLt {
				clauses = append(clauses, fmt.Sprintf("d.created_at < $%d", p))
			}
			p++
			args = append(args, f.Value)

		case strings.HasPrefix(f.Field, "meta."):
			key := strings.TrimPrefix(f.Field, "meta.")
			clauses = append(clauses, fmt.Sprintf("c.metadata->>'%s' = $%d", key, p))
			p++
			args = append(args, f.Value)
		}
	}

	if len(clauses) == 0 {
		return "", nil, false
	}
	return " AND " + strings.Join(clauses, " AND "), args, needsDocJoin
}

// SearchChunks performs vector similarity search over document chunks
// using pgvector's cosine distance operator with HNSW index.
func (s *Store) SearchChunks(ctx context.Context, embedding []float32, topK int, filters ...conduit.ChunkFilter) ([]conduit.ScoredChunk, error) {
	embStr := serializeEmbedding(embedding)
	whereExtra, filterArgs, needsDocJoin := buildChunkFiltersPg(filters, 3) // $1=embedding, $2=topK

	var q string
	if needsDocJoin {
		q = `SELECT c.id, c.document_id, c.parent_id, c.content, c.chunk_index, c.metadata,
		        1 - (c.embedding <=> $1::vector) AS score
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE c.embedding IS NOT NULL` + whereExtra + `
		 ORDER BY c.embedding <=> $1::vector
		 LIMIT $2`
	} else {
		q = `SELECT c.id, c.document_id, c.parent_id, c.content, c.chunk_index, c.metadata,
		        1 - (c.embedding <=> $1::vector) AS score
		 FROM chunks c
		 WHERE c.embedding IS NOT NULL` + whereExtra + `
		 ORDER BY c.embedding <=> $1::vector
		 LIMIT $2`
	}

	allArgs := []any{embStr, topK}
	allArgs = append(allArgs, filterArgs...)

	rows, err := s.pool.Query(ctx, q, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search chunks: %w", err)
	}
	defer rows.Close()

	var results []conduit.ScoredChunk
	for rows.Next() {
		var c conduit.Chunk
		var parentID *string
		var metaJSON []byte
		var score float32
		if err := rows.Scan(&c.ID, &c.DocumentID, &parentID, &c.Content, &c.ChunkIndex, &metaJSON, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		if parentID != nil {
			c.ParentID = *parentID
		}
		if metaJSON != nil {
			c.Metadata = &conduit.ChunkMeta{}
			_ = json.Unmarshal(metaJSON, c.Metadata)
		}
		results = append(results, conduit.ScoredChunk{Chunk: c, Score: score})
	}
	return results, rows.Err()
}

// SearchChunksKeyword performs full-text keyword search over document chunks
// using PostgreSQL tsvector/tsquery with a GIN index.
func (s *Store) SearchChunksKeyword(ctx context.Context, query string, topK int, filters ...conduit.ChunkFilter) ([]conduit.ScoredChunk, error) {
	whereExtra, filterArgs, needsDocJoin := buildChunkFiltersPg(filters, 3) // $1=query, $2=topK

	var q string
	if needsDocJoin {
		q = `SELECT c.id, c.document_id, c.parent_id, c.content, c.chunk_index, c.metadata,
		        ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS score
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)` + whereExtra + `
		 ORDER BY score DESC
		 LIMIT $2`
	} else {
		q = `SELECT c.id, c.document_id, c.parent_id, c.content, c.chunk_index, c.metadata,
		        ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS score
		 FROM chunks c
		 WHERE to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)` + whereExtra + `
		 ORDER BY score DESC
		 LIMIT $2`
	}

	allArgs := []any{query, topK}
	allArgs = append(allArgs, filterArgs...)

	rows, err := s.pool.Query(ctx, q, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search: %w", err)
	}
	defer rows.Close()

	var results []conduit.ScoredChunk
	for rows.Next() {
		var c conduit.Chunk
		var parentID *string
		var metaJSON []byte
		var score float32
		if err := rows.Scan(&c.ID, &c.DocumentID, &parentID, &c.Content, &c.ChunkIndex, &metaJSON, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		if parentID != nil {
			c.ParentID = *parentID
		}
		if metaJSON != nil {
			c.Metadata = &conduit.ChunkMeta{}
			_ = json.Unmarshal(metaJSON, c.Metadata)
		}
		results = append(results, conduit.ScoredChunk{Chunk: c, Score: score})
	}
	return results, rows.Err()
}

// GetChunksByIDs returns chunks matching the given IDs.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []string) ([]conduit.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, parent_id, content, chunk_index, metadata
		 FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: get chunks by ids: %w", err)
	}
	defer rows.Close()

	var chunks []conduit.Chunk
	for rows.Next() {
		var c conduit.Chunk
		var parentID *string
		var metaJSON []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &parentID, &c.Content, &c.ChunkIndex, &metaJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		if parentID != nil {
			c.ParentID = *parentID
		}
		if metaJSON != nil {
			c.Metadata = &conduit.ChunkMeta{}
			_ = json.Unmarshal(metaJSON, c.Metadata)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get config: %w", err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("postgres: set config: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

// --- GraphStore ---

func (s *Store) StoreEdges(ctx context.Context, edges []conduit.ChunkEdge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, e := range edges {
		_, err := tx.Exec(ctx,
			`INSERT INTO chunk_edges (id, source_id, target_id, relation, weight)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (source_id, target_id, relation) DO UPDATE SET weight = EXCLUDED.weight`,
			e.ID, e.SourceID, e.TargetID, string(e.Relation), e.Weight,
		)
		if err != nil {
			return fmt.Errorf("postgres: store edge: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetEdges(ctx context.Context, chunkIDs []string) ([]conduit.ChunkEdge, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, target_id, relation, weight FROM chunk_edges WHERE source_id = ANY($1)`,
		chunkIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get edges: %w", err)
	}
	defer rows.Close()
	return scanEdgesPg(rows)
}

func (s *Store) GetIncomingEdges(ctx context.Context, chunkIDs []string) ([]conduit.ChunkEdge, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, target_id, relation, weight FROM chunk_edges WHERE target_id = ANY($1)`,
		chunkIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get incoming edges: %w", err)
	}
	defer rows.Close()
	return scanEdgesPg(rows)
}

func (s *Store) PruneOrphanEdges(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chunk_edges WHERE source_id NOT IN (SELECT id FROM chunks) OR target_id NOT IN (SELECT id FROM chunks)`)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune orphan edges: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanEdgesPg(rows pgx.Rows) ([]conduit.ChunkEdge, error) {
	var edges []conduit.ChunkEdge
	for rows.Next() {
		var e conduit.ChunkEdge
		var rel string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &rel, &e.Weight); err != nil {
			return nil, fmt.Errorf("postgres: scan edge: %w", err)
		}
		e.Relation = conduit.RelationType(rel)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// --- Helpers ---

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
