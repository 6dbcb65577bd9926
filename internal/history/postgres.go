package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists interaction history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewPostgresStoreFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool shares an existing pool; Close then leaves it open.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_interactions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			intent TEXT NOT NULL DEFAULT '',
			sentiment TEXT NOT NULL,
			escalated BOOLEAN NOT NULL DEFAULT FALSE,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_interactions_session ON chat_interactions (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS chat_ratings (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			rating SMALLINT NOT NULL CHECK (rating BETWEEN 1 AND 5),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordInteraction(ctx context.Context, in Interaction) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_interactions (id, session_id, user_id, path, intent, sentiment, escalated, resolved, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.SessionID, in.UserID, in.Path, in.Intent, in.Sentiment, in.Escalated, in.Resolved, in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save interaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordRating(ctx context.Context, r Rating) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_ratings (session_id, user_id, rating, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE SET rating = EXCLUDED.rating, created_at = EXCLUDED.created_at`,
		r.SessionID, r.UserID, r.Rating, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save rating: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasRating(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_ratings WHERE session_id=$1)`, sessionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query rating: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ResolvedCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM chat_interactions WHERE session_id=$1 AND resolved AND NOT escalated`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count resolved interactions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Summary(ctx context.Context) (Summary, error) {
	out := Summary{SentimentBreakdown: make(map[string]int)}
	err := s.pool.QueryRow(ctx,
		`SELECT count(DISTINCT session_id),
		        count(*),
		        count(DISTINCT session_id) FILTER (WHERE escalated)
		 FROM chat_interactions`,
	).Scan(&out.TotalConversations, &out.TotalInteractions, &out.EscalatedConversations)
	if err != nil {
		return Summary{}, fmt.Errorf("query interaction totals: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT sentiment, count(*) FROM chat_interactions GROUP BY sentiment`)
	if err != nil {
		return Summary{}, fmt.Errorf("query sentiment breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return Summary{}, fmt.Errorf("scan sentiment row: %w", err)
		}
		out.SentimentBreakdown[label] = n
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterate sentiment rows: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT count(*), COALESCE(avg(rating), 0)::float8 FROM chat_ratings`,
	).Scan(&out.Ratings, &out.AvgRating)
	if err != nil {
		return Summary{}, fmt.Errorf("query ratings: %w", err)
	}
	return finishSummary(out), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
