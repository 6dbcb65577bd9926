// Package history records handled chat interactions and satisfaction ratings.
package history

import (
	"context"
	"time"
)

// Interaction is one handled user message.
type Interaction struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Path      string    `json:"path"`
	Intent    string    `json:"intent,omitempty"`
	Sentiment string    `json:"sentiment"`
	Escalated bool      `json:"escalated"`
	// Resolved marks an interaction answered by a rule-based template.
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// Rating is a satisfaction score given for a session.
type Rating struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Rating    int       `json:"rating"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary aggregates the whole history.
type Summary struct {
	TotalConversations     int            `json:"total_conversations"`
	TotalInteractions      int            `json:"total_interactions"`
	EscalatedConversations int            `json:"escalated_conversations"`
	EscalationRate         float64        `json:"escalation_rate"`
	Ratings                int            `json:"ratings"`
	AvgRating              float64        `json:"avg_rating"`
	SentimentBreakdown     map[string]int `json:"sentiment_breakdown"`
}

// Store persists interactions and ratings.
type Store interface {
	RecordInteraction(ctx context.Context, in Interaction) error
	// RecordRating keeps one rating per session; a later rating replaces it.
	RecordRating(ctx context.Context, r Rating) error
	HasRating(ctx context.Context, sessionID string) (bool, error)
	// ResolvedCount counts resolved, non-escalated interactions of a session.
	ResolvedCount(ctx context.Context, sessionID string) (int, error)
	Summary(ctx context.Context) (Summary, error)
	Close() error
}

func finishSummary(s Summary) Summary {
	if s.SentimentBreakdown == nil {
		s.SentimentBreakdown = map[string]int{}
	}
	if s.TotalConversations > 0 {
		s.EscalationRate = round4(float64(s.EscalatedConversations) / float64(s.TotalConversations))
	}
	s.AvgRating = round4(s.AvgRating)
	return s
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}
