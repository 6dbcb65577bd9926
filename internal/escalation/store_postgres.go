package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/shopkeeper/internal/sentiment"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTicketSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTicketSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS escalation_tickets (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			sentiment TEXT NOT NULL,
			sentiment_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			conversation_summary TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			assigned_to TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_escalation_tickets_session ON escalation_tickets (session_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_escalation_tickets_active ON escalation_tickets (created_at DESC) WHERE status <> 'resolved';`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init ticket schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// statusRank orders statuses in SQL the same way Status.rank does.
func statusRank(column string) string {
	return `(CASE ` + column + ` WHEN 'pending' THEN 0 WHEN 'assigned' THEN 1 ELSE 2 END)`
}

func (s *PostgresStore) SaveTicket(ctx context.Context, t Ticket) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO escalation_tickets (
			id, session_id, user_id, reason, sentiment, sentiment_score, conversation_summary,
			status, priority, assigned_to, created_at, updated_at, resolved_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
		)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			priority=EXCLUDED.priority,
			assigned_to=EXCLUDED.assigned_to,
			updated_at=EXCLUDED.updated_at,
			resolved_at=EXCLUDED.resolved_at
		WHERE `+statusRank("escalation_tickets.status")+` <= `+statusRank("EXCLUDED.status"),
		t.ID,
		t.SessionID,
		t.UserID,
		t.Reason,
		string(t.Sentiment),
		t.SentimentScore,
		t.ConversationSummary,
		string(t.Status),
		string(t.Priority),
		t.AssignedTo,
		t.CreatedAt,
		t.UpdatedAt,
		t.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTicket
	}
	return nil
}

const ticketColumns = `id, session_id, user_id, reason, sentiment, sentiment_score, conversation_summary,
	status, priority, assigned_to, created_at, updated_at, resolved_at`

func (s *PostgresStore) GetTicket(ctx context.Context, ticketID string) (Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM escalation_tickets WHERE id=$1`, ticketID)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ticket{}, ErrStoreNotFound
		}
		return Ticket{}, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM escalation_tickets
		  WHERE status <> 'resolved' ORDER BY created_at DESC, id ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list active tickets: %w", err)
	}
	defer rows.Close()

	out := make([]Ticket, 0, limit)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) OpenForSession(ctx context.Context, sessionID string) (Ticket, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM escalation_tickets
		  WHERE session_id=$1 AND status <> 'resolved' ORDER BY created_at DESC LIMIT 1`,
		sessionID,
	)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ticket{}, false, nil
		}
		return Ticket{}, false, fmt.Errorf("open ticket for session: %w", err)
	}
	return t, true, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgx.Rows satisfies pgx.Row, so one scanner serves both.
func scanTicket(row pgx.Row) (Ticket, error) {
	var (
		t          Ticket
		label      string
		status     string
		priority   string
		resolvedAt *time.Time
	)
	if err := row.Scan(
		&t.ID,
		&t.SessionID,
		&t.UserID,
		&t.Reason,
		&label,
		&t.SentimentScore,
		&t.ConversationSummary,
		&status,
		&priority,
		&t.AssignedTo,
		&t.CreatedAt,
		&t.UpdatedAt,
		&resolvedAt,
	); err != nil {
		return Ticket{}, err
	}
	t.Sentiment = sentiment.Label(label)
	t.Status = Status(status)
	t.Priority = Priority(priority)
	t.ResolvedAt = resolvedAt
	return t, nil
}
