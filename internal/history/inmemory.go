package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps history in process memory for local/dev use.
type InMemoryStore struct {
	mu           sync.RWMutex
	interactions []Interaction
	ratings      map[string]Rating
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{ratings: make(map[string]Rating)}
}

func (s *InMemoryStore) RecordInteraction(_ context.Context, in Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	s.interactions = append(s.interactions, in)
	return nil
}

func (s *InMemoryStore) RecordRating(_ context.Context, r Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.ratings[r.SessionID] = r
	return nil
}

func (s *InMemoryStore) HasRating(_ context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ratings[sessionID]
	return ok, nil
}

func (s *InMemoryStore) ResolvedCount(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, in := range s.interactions {
		if in.SessionID == sessionID && in.Resolved && !in.Escalated {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Summary(_ context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make(map[string]bool)
	out := Summary{
		TotalInteractions:  len(s.interactions),
		SentimentBreakdown: make(map[string]int),
	}
	for _, in := range s.interactions {
		sessions[in.SessionID] = sessions[in.SessionID] || in.Escalated
		out.SentimentBreakdown[in.Sentiment]++
	}
	out.TotalConversations = len(sessions)
	for _, escalated := range sessions {
		if escalated {
			out.EscalatedConversations++
		}
	}
	if len(s.ratings) > 0 {
		sum := 0
		for _, r := range s.ratings {
			sum += r.Rating
		}
		out.Ratings = len(s.ratings)
		out.AvgRating = float64(sum) / float64(len(s.ratings))
	}
	return finishSummary(out), nil
}

func (s *InMemoryStore) Close() error { return nil }
