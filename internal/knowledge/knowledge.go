// Package knowledge provides the PostgreSQL-backed retrieval corpus for
// extraction.
//
// The corpus holds chunks of scheduling-guidance text (triage protocols,
// modality selection rules, wait-time tables) with pgvector embeddings.
// Extraction retrieves the chunks nearest to a clinical narrative and feeds
// them to the LLM as context. Chunks are grouped into named corpora so one
// database can serve several knowledge sets; the active corpus is selected by
// configuration.
//
// The pgvector extension must be available in the target database; Migrate
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// Chunk is one retrievable unit of scheduling guidance.
type Chunk struct {
	ID        string
	Corpus    string
	Content   string
	Embedding []float32
	Source    string
	CreatedAt time.Time
}

// Result pairs a retrieved Chunk with its cosine distance from the query
// embedding. Smaller distance means more similar.
type Result struct {
	Chunk    Chunk
	Distance float64
}

// Store is the pgvector-backed corpus store. All methods are safe for
// concurrent use; the underlying pgxpool handles connection management.
type Store struct {
	pool *pgxpool.Pool
}

// ddl returns the corpus DDL with the embedding dimension substituted. The
// vector dimension is baked into the column type at schema creation time.
func ddl(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS guidance_chunks (
    id          TEXT         PRIMARY KEY,
    corpus      TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    source      TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_guidance_chunks_corpus
    ON guidance_chunks (corpus);

CREATE INDEX IF NOT EXISTS idx_guidance_chunks_embedding
    ON guidance_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// NewStore connects to the database at dsn and ensures the corpus schema
// exists. embeddingDimensions must match the configured embedding model
// (e.g., 1536 for text-embedding-3-small, 768 for nomic-embed-text); changing
// it after the first migration requires a manual schema update.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("knowledge: dsn must not be empty")
	}
	if embeddingDimensions <= 0 {
		return nil, fmt.Errorf("knowledge: embedding dimensions must be positive, got %d", embeddingDimensions)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge: connect: %w", err)
	}

	if _, err := pool.Exec(ctx, ddl(embeddingDimensions)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// IndexChunk upserts a pre-embedded chunk. A chunk with an existing ID is
// completely replaced.
func (s *Store) IndexChunk(ctx context.Context, chunk Chunk) error {
	const q = `
		INSERT INTO guidance_chunks
		    (id, corpus, content, embedding, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    corpus     = EXCLUDED.corpus,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    source     = EXCLUDED.source,
		    created_at = EXCLUDED.created_at`

	created := chunk.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.pool.Exec(ctx, q,
		chunk.ID,
		chunk.Corpus,
		chunk.Content,
		pgvector.NewVector(chunk.Embedding),
		chunk.Source,
		created,
	)
	if err != nil {
		return fmt.Errorf("knowledge: index chunk: %w", err)
	}
	return nil
}

// Search returns the topK chunks in corpus closest (cosine distance) to the
// query embedding, most similar first.
func (s *Store) Search(ctx context.Context, corpus string, embedding []float32, topK int) ([]Result, error) {
	const q = `
		SELECT id, corpus, content, embedding, source, created_at,
		       embedding <=> $1 AS distance
		FROM   guidance_chunks
		WHERE  corpus = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), corpus, topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var (
			r   Result
			vec pgvector.Vector
		)
		if err := row.Scan(
			&r.Chunk.ID,
			&r.Chunk.Corpus,
			&r.Chunk.Content,
			&vec,
			&r.Chunk.Source,
			&r.Chunk.CreatedAt,
			&r.Distance,
		); err != nil {
			return Result{}, err
		}
		r.Chunk.Embedding = vec.Slice()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: scan rows: %w", err)
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("knowledge: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
