package escalation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrStoreNotFound = errors.New("ticket not found in store")
	// ErrStaleTicket is returned when a write would move a stored ticket's
	// status backward.
	ErrStaleTicket = errors.New("ticket write is stale")
)

type Store interface {
	// SaveTicket inserts or replaces a ticket by id. It returns ErrStaleTicket
	// instead of moving a stored status backward.
	SaveTicket(ctx context.Context, t Ticket) error
	GetTicket(ctx context.Context, ticketID string) (Ticket, error)
	// ListActive returns non-resolved tickets, newest first.
	ListActive(ctx context.Context, limit int) ([]Ticket, error)
	// OpenForSession returns the newest non-resolved ticket of a session.
	OpenForSession(ctx context.Context, sessionID string) (Ticket, bool, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

type InMemoryStore struct {
	mu      sync.RWMutex
	tickets map[string]Ticket
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tickets: make(map[string]Ticket)}
}

func (s *InMemoryStore) SaveTicket(_ context.Context, t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tickets[t.ID]; ok && t.Status.rank() < cur.Status.rank() {
		return ErrStaleTicket
	}
	s.tickets[t.ID] = t.Clone()
	return nil
}

func (s *InMemoryStore) GetTicket(_ context.Context, ticketID string) (Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return Ticket{}, ErrStoreNotFound
	}
	return t.Clone(), nil
}

func (s *InMemoryStore) ListActive(_ context.Context, limit int) ([]Ticket, error) {
	s.mu.RLock()
	out := make([]Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		if t.Active() {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) OpenForSession(_ context.Context, sessionID string) (Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  Ticket
		found bool
	)
	for _, t := range s.tickets {
		if t.SessionID != sessionID || !t.Active() {
			continue
		}
		if !found || t.CreatedAt.After(best.CreatedAt) {
			best, found = t, true
		}
	}
	return best.Clone(), found, nil
}

func (s *InMemoryStore) Close() error { return nil }

func sortNewestFirst(tickets []Ticket) {
	sort.Slice(tickets, func(i, j int) bool {
		if !tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].CreatedAt.After(tickets[j].CreatedAt)
		}
		return tickets[i].ID < tickets[j].ID
	})
}
