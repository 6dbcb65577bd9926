package escalation

import (
	"time"

	"github.com/ent0n29/shopkeeper/internal/sentiment"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAssigned Status = "assigned"
	StatusResolved Status = "resolved"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAssigned:
		return 1
	case StatusResolved:
		return 2
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.rank() >= 0 }

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// urgentScore is the sentiment score at or below which an angry message is urgent.
const urgentScore = -7.0

// PriorityFor maps a sentiment result to a ticket priority.
func PriorityFor(r sentiment.Result) Priority {
	switch r.Sentiment {
	case sentiment.Angry:
		if r.Score <= urgentScore {
			return PriorityUrgent
		}
		return PriorityHigh
	case sentiment.Negative:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Ticket is a request for a human agent. It refers to its session by id only.
type Ticket struct {
	ID                  string          `json:"id"`
	SessionID           string          `json:"session_id"`
	UserID              string          `json:"user_id,omitempty"`
	Reason              string          `json:"reason"`
	Sentiment           sentiment.Label `json:"sentiment"`
	SentimentScore      float64         `json:"sentiment_score"`
	ConversationSummary string          `json:"conversation_summary"`
	Status              Status          `json:"status"`
	Priority            Priority        `json:"priority"`
	AssignedTo          string          `json:"assigned_to,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
}

func (t Ticket) Active() bool { return t.Status != StatusResolved }

func (t Ticket) Clone() Ticket {
	out := t
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}

// Request describes the message that triggered an escalation.
type Request struct {
	SessionID string
	UserID    string
	Message   string
	Sentiment sentiment.Result
	// Transcript holds recent conversation lines, oldest first.
	Transcript []string
}

// Update is an agent-side change. Nil fields are left alone.
type Update struct {
	Status     *Status   `json:"status,omitempty"`
	Priority   *Priority `json:"priority,omitempty"`
	AssignedTo *string   `json:"assigned_to,omitempty"`
}

// DeliveryGap records a ticket that could not be persisted.
type DeliveryGap struct {
	TicketID  string    `json:"ticket_id"`
	SessionID string    `json:"session_id"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// Statistics summarises support activity for admin tooling.
type Statistics struct {
	TotalConversations int            `json:"total_conversations"`
	TotalInteractions  int            `json:"total_interactions"`
	EscalationRate     float64        `json:"escalation_rate"`
	AvgRating          float64        `json:"avg_rating"`
	Ratings            int            `json:"ratings"`
	PendingTickets     int            `json:"pending_tickets"`
	ActiveTickets      int            `json:"active_tickets"`
	SentimentBreakdown map[string]int `json:"sentiment_breakdown"`
}
