// Package escalation creates and tracks human handoff tickets.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/history"
	"github.com/ent0n29/shopkeeper/internal/observability"
	"github.com/ent0n29/shopkeeper/internal/policy"
	"github.com/ent0n29/shopkeeper/internal/reliability"
	"github.com/ent0n29/shopkeeper/internal/sentiment"
)

const (
	maxSummaryChars = 1000
	maxDeliveryGaps = 256
)

type Options struct {
	Clock        clockz.Clock
	StoreTimeout time.Duration
	// RetryBase is the backoff before the single persistence retry.
	RetryBase time.Duration
	History   history.Store
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type Manager struct {
	store        Store
	history      history.Store
	clock        clockz.Clock
	storeTimeout time.Duration
	retryBase    time.Duration
	metrics      *observability.Metrics
	logger       *slog.Logger

	mu sync.Mutex
	// openBySession holds the last known non-resolved ticket of each session.
	openBySession map[string]Ticket
	// unsaved holds tickets whose last write failed, keyed by id.
	unsaved map[string]Ticket
	gaps    []DeliveryGap
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager(store Store, opts Options) *Manager {
	if store == nil {
		store = NewInMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	if opts.History == nil {
		opts.History = history.NewInMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = observability.Logger()
	}
	return &Manager{
		store:         store,
		history:       opts.History,
		clock:         opts.Clock,
		storeTimeout:  opts.StoreTimeout,
		retryBase:     opts.RetryBase,
		metrics:       opts.Metrics,
		logger:        opts.Logger.With("component", "escalation"),
		openBySession: make(map[string]Ticket),
		unsaved:       make(map[string]Ticket),
		locks:         make(map[string]*keyLock),
	}
}

// lockKey serializes work on one session or ticket.
func (m *Manager) lockKey(key string) func() {
	m.mu.Lock()
	l := m.locks[key]
	if l == nil {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// CreateEscalationTicket opens a pending ticket for the session unless one is
// already open, in which case the open ticket is returned with created=false.
func (m *Manager) CreateEscalationTicket(ctx context.Context, sessionID, userID, message string, result sentiment.Result) (Ticket, bool, error) {
	return m.Create(ctx, Request{SessionID: sessionID, UserID: userID, Message: message, Sentiment: result})
}

// Create is CreateEscalationTicket with a transcript for the summary.
// A ticket that cannot be persisted after one retry is still returned, with
// an error wrapping apperr.ErrEscalationPersistence.
func (m *Manager) Create(ctx context.Context, req Request) (Ticket, bool, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.SessionID == "" {
		return Ticket{}, false, apperr.Validation("session id is required")
	}

	unlock := m.lockKey("session:" + req.SessionID)
	defer unlock()

	if open, ok, err := m.openTicket(ctx, req.SessionID); err != nil {
		m.logger.Warn("open ticket lookup failed", "session_id", req.SessionID, "error", err)
	} else if ok {
		return open, false, nil
	}

	now := m.clock.Now().UTC()
	ticket := Ticket{
		ID:                  uuid.NewString(),
		SessionID:           req.SessionID,
		UserID:              req.UserID,
		Reason:              reasonFor(req.Sentiment),
		Sentiment:           req.Sentiment.Sentiment,
		SentimentScore:      req.Sentiment.Score,
		ConversationSummary: summarize(req.Transcript, req.Message),
		Status:              StatusPending,
		Priority:            PriorityFor(req.Sentiment),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	m.mu.Lock()
	m.openBySession[req.SessionID] = ticket.Clone()
	m.mu.Unlock()

	m.metrics.ObserveEscalation(string(ticket.Priority))
	m.logger.Info("escalation ticket created",
		"ticket_id", ticket.ID,
		"session_id", ticket.SessionID,
		"priority", ticket.Priority,
		"sentiment", ticket.Sentiment,
	)
	if err := m.persist(ctx, ticket); err != nil {
		return ticket.Clone(), true, err
	}
	return ticket.Clone(), true, nil
}

// openTicket checks the in-process index and then the store, so the dedup
// policy survives restarts. An indexed ticket is only forgotten once the
// store says it is gone or resolved; while the store is unreachable the last
// known copy is served.
func (m *Manager) openTicket(ctx context.Context, sessionID string) (Ticket, bool, error) {
	m.mu.Lock()
	known, indexed := m.openBySession[sessionID]
	m.mu.Unlock()
	if indexed {
		t, err := m.get(ctx, known.ID)
		switch {
		case err == nil && t.Active():
			m.remember(t)
			return t, true, nil
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			m.logger.Warn("open ticket refresh failed, using last known copy",
				"session_id", sessionID, "ticket_id", known.ID, "error", err)
			return known.Clone(), true, nil
		}
		m.forget(known)
	}

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	t, ok, err := m.store.OpenForSession(sctx, sessionID)
	if err != nil {
		m.metrics.ObserveExternalError("ticket_store")
		return Ticket{}, false, apperr.External("ticket_store", err)
	}
	if ok {
		m.mu.Lock()
		if _, exists := m.openBySession[sessionID]; !exists {
			m.openBySession[sessionID] = t.Clone()
		}
		m.mu.Unlock()
	}
	return t, ok, nil
}

// remember refreshes the index entry for an active ticket.
func (m *Manager) remember(t Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.openBySession[t.SessionID]; ok && cur.ID == t.ID {
		m.openBySession[t.SessionID] = t.Clone()
	}
}

// forget drops the index entry if it still points at t.
func (m *Manager) forget(t Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.openBySession[t.SessionID]; ok && cur.ID == t.ID {
		delete(m.openBySession, t.SessionID)
	}
}

// persist writes the ticket, retrying once. A final failure keeps the ticket
// in memory and records a delivery gap. A write the store refuses as stale is
// reported as a validation error and leaves no gap.
func (m *Manager) persist(ctx context.Context, t Ticket) error {
	var stale error
	err := reliability.Retry(ctx, 2, m.retryBase, 4*m.retryBase, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		defer cancel()
		err := m.store.SaveTicket(sctx, t)
		if errors.Is(err, ErrStaleTicket) {
			stale = err
			return nil
		}
		return err
	})
	if stale != nil {
		return apperr.Validation("ticket %s was changed concurrently", t.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.unsaved, t.ID)
		return nil
	}

	m.unsaved[t.ID] = t.Clone()
	m.gaps = append(m.gaps, DeliveryGap{
		TicketID:  t.ID,
		SessionID: t.SessionID,
		Error:     err.Error(),
		At:        m.clock.Now().UTC(),
	})
	if len(m.gaps) > maxDeliveryGaps {
		m.gaps = append([]DeliveryGap(nil), m.gaps[len(m.gaps)-maxDeliveryGaps:]...)
	}
	m.metrics.ObserveDeliveryGap()
	m.metrics.ObserveExternalError("ticket_store")
	m.logger.Error("escalation ticket not persisted", "ticket_id", t.ID, "session_id", t.SessionID, "error", err)
	return fmt.Errorf("%w: %v", apperr.ErrEscalationPersistence, err)
}

// GetTicket returns a ticket by id.
func (m *Manager) GetTicket(ctx context.Context, ticketID string) (Ticket, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return Ticket{}, apperr.Validation("ticket id is required")
	}
	return m.get(ctx, ticketID)
}

func (m *Manager) get(ctx context.Context, ticketID string) (Ticket, error) {
	m.mu.Lock()
	t, ok := m.unsaved[ticketID]
	m.mu.Unlock()
	if ok {
		return t.Clone(), nil
	}

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	t, err := m.store.GetTicket(sctx, ticketID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Ticket{}, apperr.NotFound("ticket", ticketID)
		}
		m.metrics.ObserveExternalError("ticket_store")
		return Ticket{}, apperr.External("ticket_store", err)
	}
	return t, nil
}

// GetActiveTickets returns non-resolved tickets, newest first. A limit <= 0
// returns all of them.
func (m *Manager) GetActiveTickets(ctx context.Context, limit int) ([]Ticket, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	persisted, err := m.store.ListActive(sctx, 0)
	if err != nil {
		m.metrics.ObserveExternalError("ticket_store")
		m.logger.Warn("list active tickets failed, serving unsaved only", "error", err)
	}

	merged := make(map[string]Ticket, len(persisted))
	for _, t := range persisted {
		merged[t.ID] = t
	}
	m.mu.Lock()
	for id, t := range m.unsaved {
		merged[id] = t.Clone()
	}
	m.mu.Unlock()

	out := make([]Ticket, 0, len(merged))
	for _, t := range merged {
		if t.Active() {
			out = append(out, t)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	if len(out) == 0 && err != nil {
		return nil, apperr.External("ticket_store", err)
	}
	return out, nil
}

func (m *Manager) AssignTicket(ctx context.Context, ticketID, agent string) (Ticket, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return Ticket{}, apperr.Validation("agent is required")
	}
	status := StatusAssigned
	return m.UpdateTicket(ctx, ticketID, Update{Status: &status, AssignedTo: &agent})
}

func (m *Manager) ResolveTicket(ctx context.Context, ticketID string) (Ticket, error) {
	status := StatusResolved
	return m.UpdateTicket(ctx, ticketID, Update{Status: &status})
}

// UpdateTicket applies an agent change. Status only moves forward
// (pending, assigned, resolved) and a resolved ticket is final. Updates to
// one ticket are serialized from read to write.
func (m *Manager) UpdateTicket(ctx context.Context, ticketID string, upd Update) (Ticket, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return Ticket{}, apperr.Validation("ticket id is required")
	}
	unlock := m.lockKey("ticket:" + ticketID)
	defer unlock()

	t, err := m.get(ctx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if !t.Active() {
		return Ticket{}, apperr.Validation("ticket %s is already resolved", t.ID)
	}

	if upd.Priority != nil {
		if !upd.Priority.Valid() {
			return Ticket{}, apperr.Validation("unknown priority %q", *upd.Priority)
		}
		t.Priority = *upd.Priority
	}
	if upd.AssignedTo != nil {
		t.AssignedTo = strings.TrimSpace(*upd.AssignedTo)
	}
	now := m.clock.Now().UTC()
	if upd.Status != nil {
		next := *upd.Status
		if !next.Valid() {
			return Ticket{}, apperr.Validation("unknown status %q", next)
		}
		if next.rank() < t.Status.rank() {
			return Ticket{}, apperr.Validation("ticket %s cannot move from %s to %s", t.ID, t.Status, next)
		}
		if next == StatusAssigned && t.AssignedTo == "" {
			return Ticket{}, apperr.Validation("assigned ticket needs an agent")
		}
		t.Status = next
		if next == StatusResolved {
			t.ResolvedAt = &now
		}
	}
	t.UpdatedAt = now

	if err := m.persist(ctx, t); err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			return Ticket{}, err
		}
		return t.Clone(), err
	}
	if t.Active() {
		m.remember(t)
	} else {
		m.forget(t)
	}
	return t.Clone(), nil
}

// DeliveryGaps returns the most recent persistence failures, oldest first.
func (m *Manager) DeliveryGaps() []DeliveryGap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeliveryGap(nil), m.gaps...)
}

// GetStatistics combines interaction history with the ticket queue.
func (m *Manager) GetStatistics(ctx context.Context) (Statistics, error) {
	hctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	sum, err := m.history.Summary(hctx)
	if err != nil {
		m.metrics.ObserveExternalError("history_store")
		return Statistics{}, apperr.External("history_store", err)
	}
	active, err := m.GetActiveTickets(ctx, 0)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{
		TotalConversations: sum.TotalConversations,
		TotalInteractions:  sum.TotalInteractions,
		EscalationRate:     sum.EscalationRate,
		AvgRating:          sum.AvgRating,
		Ratings:            sum.Ratings,
		ActiveTickets:      len(active),
		SentimentBreakdown: sum.SentimentBreakdown,
	}
	for _, t := range active {
		if t.Status == StatusPending {
			stats.PendingTickets++
		}
	}
	return stats, nil
}

func reasonFor(r sentiment.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "customer sentiment %s (score %.1f)", r.Sentiment, r.Score)
	if len(r.Keywords) > 0 {
		kw := append([]string(nil), r.Keywords...)
		sort.Strings(kw)
		b.WriteString("; triggers: ")
		b.WriteString(strings.Join(kw, ", "))
	}
	return b.String()
}

// summarize joins the transcript and the triggering message, redacted and
// capped to the most recent characters.
func summarize(transcript []string, message string) string {
	lines := make([]string, 0, len(transcript)+1)
	for _, line := range transcript {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if msg := strings.TrimSpace(message); msg != "" {
		if len(lines) == 0 || !strings.HasSuffix(lines[len(lines)-1], msg) {
			lines = append(lines, "user: "+msg)
		}
	}
	out := policy.Redact(strings.Join(lines, "\n"))
	if r := []rune(out); len(r) > maxSummaryChars {
		out = string(r[len(r)-maxSummaryChars:])
	}
	return out
}
