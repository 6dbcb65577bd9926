package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PGVectorBackend keeps documents in a Postgres table with a pgvector column.
type PGVectorBackend struct {
	pool *pgxpool.Pool
}

func NewPGVectorBackend(ctx context.Context, databaseURL string, dim int) (*PGVectorBackend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initVectorSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGVectorBackend{pool: pool}, nil
}

func initVectorSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_documents (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_knowledge_documents_metadata ON knowledge_documents USING GIN (metadata);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *PGVectorBackend) Upsert(ctx context.Context, docs []Document) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, d := range docs {
		meta, err := metadataJSON(d.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO knowledge_documents (id, text, metadata, embedding, updated_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (id) DO UPDATE SET
			   text = EXCLUDED.text,
			   metadata = EXCLUDED.metadata,
			   embedding = EXCLUDED.embedding,
			   updated_at = now()`,
			d.ID, d.Text, meta, pgvector.NewVector(d.Embedding),
		)
		if err != nil {
			return fmt.Errorf("upsert document %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (p *PGVectorBackend) Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]SearchResult, error) {
	meta, err := metadataJSON(filter)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, text, metadata, 1 - (embedding <=> $1) AS score
		 FROM knowledge_documents
		 WHERE metadata @> $2
		 ORDER BY embedding <=> $1, id
		 LIMIT $3`,
		pgvector.NewVector(vector), meta, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query similar documents: %w", err)
	}
	defer rows.Close()

	results := make([]SearchResult, 0, limit)
	for rows.Next() {
		var (
			r   SearchResult
			raw []byte
		)
		if err := rows.Scan(&r.ID, &r.Text, &raw, &r.Score); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		if err := json.Unmarshal(raw, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode document metadata: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return results, nil
}

func (p *PGVectorBackend) Delete(ctx context.Context, filter Filter) error {
	meta, err := metadataJSON(filter)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM knowledge_documents WHERE metadata @> $1`, meta); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func (p *PGVectorBackend) Count(ctx context.Context, filter Filter) (int, error) {
	meta, err := metadataJSON(filter)
	if err != nil {
		return 0, err
	}
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM knowledge_documents WHERE metadata @> $1`, meta).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (p *PGVectorBackend) Close() error {
	p.pool.Close()
	return nil
}

// metadataJSON encodes metadata for a jsonb containment match; an empty
// object matches every row.
func metadataJSON(meta map[string]string) (string, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}
