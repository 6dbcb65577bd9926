package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/history"
	"github.com/ent0n29/shopkeeper/internal/sentiment"
)

type flakyStore struct {
	*InMemoryStore
	failSaves atomic.Int32
	saves     atomic.Int32
}

func (s *flakyStore) SaveTicket(ctx context.Context, t Ticket) error {
	s.saves.Add(1)
	if s.failSaves.Load() > 0 {
		s.failSaves.Add(-1)
		return errors.New("database unavailable")
	}
	return s.InMemoryStore.SaveTicket(ctx, t)
}

func newTestManager(store Store) (*Manager, *clockz.FakeClock) {
	clock := clockz.NewFakeClock()
	return NewManager(store, Options{Clock: clock, RetryBase: time.Millisecond}), clock
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		in   sentiment.Result
		want Priority
	}{
		{sentiment.Result{Sentiment: sentiment.Angry, Score: -11.5}, PriorityUrgent},
		{sentiment.Result{Sentiment: sentiment.Angry, Score: -7}, PriorityUrgent},
		{sentiment.Result{Sentiment: sentiment.Angry, Score: -5}, PriorityHigh},
		{sentiment.Result{Sentiment: sentiment.Negative, Score: -2}, PriorityMedium},
		{sentiment.Result{Sentiment: sentiment.Neutral, ShouldEscalate: true}, PriorityLow},
	}
	for _, tc := range tests {
		if got := PriorityFor(tc.in); got != tc.want {
			t.Fatalf("PriorityFor(%+v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestAngryMessageOpensOneUrgentTicket(t *testing.T) {
	m, _ := newTestManager(NewInMemoryStore())
	ctx := context.Background()
	msg := "This is the worst service ever, I want a refund now!"
	result := sentiment.Analyze(msg)

	ticket, created, err := m.CreateEscalationTicket(ctx, "s1", "u1", msg, result)
	if err != nil {
		t.Fatalf("CreateEscalationTicket() error = %v", err)
	}
	if !created {
		t.Fatalf("created = false, want true")
	}
	if ticket.Priority != PriorityUrgent || ticket.Status != StatusPending {
		t.Fatalf("ticket = %s/%s, want urgent/pending", ticket.Priority, ticket.Status)
	}

	again, created, err := m.CreateEscalationTicket(ctx, "s1", "u1", msg, result)
	if err != nil {
		t.Fatalf("second CreateEscalationTicket() error = %v", err)
	}
	if created || again.ID != ticket.ID {
		t.Fatalf("second call created=%v id=%s, want existing %s", created, again.ID, ticket.ID)
	}

	active, _ := m.GetActiveTickets(ctx, 0)
	if len(active) != 1 {
		t.Fatalf("len(active) = %d, want 1", len(active))
	}
}

func TestDedupSurvivesRestart(t *testing.T) {
	store := NewInMemoryStore()
	first, _ := newTestManager(store)
	ctx := context.Background()
	result := sentiment.Result{Sentiment: sentiment.Angry, Score: -6}
	ticket, _, _ := first.CreateEscalationTicket(ctx, "s1", "", "help", result)

	restarted, _ := newTestManager(store)
	got, created, err := restarted.CreateEscalationTicket(ctx, "s1", "", "help", result)
	if err != nil {
		t.Fatalf("CreateEscalationTicket() error = %v", err)
	}
	if created || got.ID != ticket.ID {
		t.Fatalf("after restart created=%v id=%s, want existing %s", created, got.ID, ticket.ID)
	}
}

func TestResolvedTicketAllowsNewOne(t *testing.T) {
	m, _ := newTestManager(NewInMemoryStore())
	ctx := context.Background()
	result := sentiment.Result{Sentiment: sentiment.Negative, Score: -2, ShouldEscalate: true}
	first, _, _ := m.CreateEscalationTicket(ctx, "s1", "", "agent please", result)
	if _, err := m.ResolveTicket(ctx, first.ID); err != nil {
		t.Fatalf("ResolveTicket() error = %v", err)
	}
	second, created, _ := m.CreateEscalationTicket(ctx, "s1", "", "agent please", result)
	if !created || second.ID == first.ID {
		t.Fatalf("created=%v id=%s, want a new ticket", created, second.ID)
	}
}

func TestConcurrentCreateMakesOneTicket(t *testing.T) {
	store := &flakyStore{InMemoryStore: NewInMemoryStore()}
	m, _ := newTestManager(store)
	result := sentiment.Result{Sentiment: sentiment.Angry, Score: -9}

	var wg sync.WaitGroup
	var createdCount atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, created, _ := m.CreateEscalationTicket(context.Background(), "s1", "", "refund now", result); created {
				createdCount.Add(1)
			}
		}()
	}
	wg.Wait()
	if createdCount.Load() != 1 {
		t.Fatalf("created = %d, want 1", createdCount.Load())
	}
}

func TestPersistenceRetriedOnce(t *testing.T) {
	store := &flakyStore{InMemoryStore: NewInMemoryStore()}
	store.failSaves.Store(1)
	m, _ := newTestManager(store)

	ticket, created, err := m.CreateEscalationTicket(context.Background(), "s1", "", "manager now", sentiment.Result{Sentiment: sentiment.Angry, Score: -8})
	if err != nil || !created {
		t.Fatalf("CreateEscalationTicket() = created %v, err %v", created, err)
	}
	if store.saves.Load() != 2 {
		t.Fatalf("saves = %d, want 2", store.saves.Load())
	}
	if _, err := store.GetTicket(context.Background(), ticket.ID); err != nil {
		t.Fatalf("ticket not persisted: %v", err)
	}
	if gaps := m.DeliveryGaps(); len(gaps) != 0 {
		t.Fatalf("gaps = %v, want none", gaps)
	}
}

func TestPersistenceFailureRecordsGap(t *testing.T) {
	store := &flakyStore{InMemoryStore: NewInMemoryStore()}
	store.failSaves.Store(2)
	m, _ := newTestManager(store)
	ctx := context.Background()
	result := sentiment.Result{Sentiment: sentiment.Angry, Score: -8}

	ticket, created, err := m.CreateEscalationTicket(ctx, "s1", "", "lawyer", result)
	if !errors.Is(err, apperr.ErrEscalationPersistence) {
		t.Fatalf("error = %v, want ErrEscalationPersistence", err)
	}
	if !created || ticket.ID == "" {
		t.Fatalf("ticket not returned on persistence failure")
	}
	gaps := m.DeliveryGaps()
	if len(gaps) != 1 || gaps[0].TicketID != ticket.ID {
		t.Fatalf("gaps = %+v, want one for %s", gaps, ticket.ID)
	}

	if _, created, _ := m.CreateEscalationTicket(ctx, "s1", "", "lawyer", result); created {
		t.Fatalf("duplicate ticket after persistence failure")
	}
	active, _ := m.GetActiveTickets(ctx, 0)
	if len(active) != 1 || active[0].ID != ticket.ID {
		t.Fatalf("active = %+v, want the unsaved ticket", active)
	}
}

func TestTransitionsAreForwardOnly(t *testing.T) {
	m, _ := newTestManager(NewInMemoryStore())
	ctx := context.Background()
	ticket, _, _ := m.CreateEscalationTicket(ctx, "s1", "", "help", sentiment.Result{Sentiment: sentiment.Angry, Score: -6})

	if _, err := m.AssignTicket(ctx, ticket.ID, " "); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("AssignTicket(blank) error = %v, want validation", err)
	}
	assigned, err := m.AssignTicket(ctx, ticket.ID, "agent-7")
	if err != nil {
		t.Fatalf("AssignTicket() error = %v", err)
	}
	if assigned.Status != StatusAssigned || assigned.AssignedTo != "agent-7" {
		t.Fatalf("assigned = %+v", assigned)
	}

	pending := StatusPending
	if _, err := m.UpdateTicket(ctx, ticket.ID, Update{Status: &pending}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("UpdateTicket(back to pending) error = %v, want validation", err)
	}

	resolved, err := m.ResolveTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("ResolveTicket() error = %v", err)
	}
	if resolved.ResolvedAt == nil {
		t.Fatalf("ResolvedAt not set")
	}
	if _, err := m.AssignTicket(ctx, ticket.ID, "agent-8"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("AssignTicket(resolved) error = %v, want validation", err)
	}
	if _, err := m.ResolveTicket(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("ResolveTicket(missing) error = %v, want not found", err)
	}
}

func TestActiveTicketsNewestFirst(t *testing.T) {
	m, clock := newTestManager(NewInMemoryStore())
	ctx := context.Background()
	result := sentiment.Result{Sentiment: sentiment.Negative, Score: -2}
	var ids []string
	for _, sid := range []string{"a", "b", "c"} {
		tk, _, _ := m.CreateEscalationTicket(ctx, sid, "", "help", result)
		ids = append(ids, tk.ID)
		clock.Advance(time.Second)
	}
	_, _ = m.ResolveTicket(ctx, ids[1])

	active, err := m.GetActiveTickets(ctx, 10)
	if err != nil {
		t.Fatalf("GetActiveTickets() error = %v", err)
	}
	if len(active) != 2 || active[0].ID != ids[2] || active[1].ID != ids[0] {
		t.Fatalf("active order wrong: %+v", active)
	}
	if limited, _ := m.GetActiveTickets(ctx, 1); len(limited) != 1 {
		t.Fatalf("len(limited) = %d, want 1", len(limited))
	}
}

func TestSummaryIsRedacted(t *testing.T) {
	m, _ := newTestManager(NewInMemoryStore())
	ticket, _, _ := m.Create(context.Background(), Request{
		SessionID:  "s1",
		Message:    "mail me at jane@example.com now",
		Sentiment:  sentiment.Result{Sentiment: sentiment.Angry, Score: -6, Keywords: []string{"now"}},
		Transcript: []string{"user: where is my order", "assistant: checking"},
	})
	want := "user: where is my order\nassistant: checking\nuser: mail me at [REDACTED_EMAIL] now"
	if ticket.ConversationSummary != want {
		t.Fatalf("summary = %q, want %q", ticket.ConversationSummary, want)
	}
}

func TestGetStatistics(t *testing.T) {
	hist := history.NewInMemoryStore()
	ctx := context.Background()
	_ = hist.RecordInteraction(ctx, history.Interaction{SessionID: "a", Sentiment: "angry", Escalated: true})
	_ = hist.RecordInteraction(ctx, history.Interaction{SessionID: "b", Sentiment: "neutral"})
	_ = hist.RecordRating(ctx, history.Rating{SessionID: "b", Rating: 4})

	m := NewManager(NewInMemoryStore(), Options{History: hist, RetryBase: time.Millisecond})
	_, _, _ = m.CreateEscalationTicket(ctx, "a", "", "refund now", sentiment.Result{Sentiment: sentiment.Angry, Score: -8})

	stats, err := m.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}
	if stats.TotalConversations != 2 || stats.EscalationRate != 0.5 {
		t.Fatalf("stats = %+v, want 2 conversations at 0.5", stats)
	}
	if stats.PendingTickets != 1 || stats.AvgRating != 4 {
		t.Fatalf("stats = %+v, want 1 pending and avg 4", stats)
	}
	if stats.SentimentBreakdown["angry"] != 1 {
		t.Fatalf("SentimentBreakdown = %v", stats.SentimentBreakdown)
	}
}

// gatedStore pauses the first armed GetTicket until resume is closed.
type gatedStore struct {
	*InMemoryStore
	armed   atomic.Bool
	reading chan struct{}
	resume  chan struct{}
}

func (s *gatedStore) GetTicket(ctx context.Context, ticketID string) (Ticket, error) {
	t, err := s.InMemoryStore.GetTicket(ctx, ticketID)
	if s.armed.CompareAndSwap(true, false) {
		close(s.reading)
		<-s.resume
	}
	return t, err
}

func TestConcurrentAssignAndResolveStayForward(t *testing.T) {
	store := &gatedStore{
		InMemoryStore: NewInMemoryStore(),
		reading:       make(chan struct{}),
		resume:        make(chan struct{}),
	}
	m, _ := newTestManager(store)
	ctx := context.Background()
	ticket, _, _ := m.CreateEscalationTicket(ctx, "s1", "", "help", sentiment.Result{Sentiment: sentiment.Angry, Score: -6})

	store.armed.Store(true)
	var wg sync.WaitGroup
	var assignErr, resolveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, assignErr = m.AssignTicket(ctx, ticket.ID, "agent-7")
	}()
	<-store.reading

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, resolveErr = m.ResolveTicket(ctx, ticket.ID)
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.resume)
	wg.Wait()

	if assignErr != nil {
		t.Fatalf("AssignTicket() error = %v", assignErr)
	}
	if resolveErr != nil {
		t.Fatalf("ResolveTicket() error = %v", resolveErr)
	}
	final, err := store.InMemoryStore.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("GetTicket() error = %v", err)
	}
	if final.Status != StatusResolved || final.ResolvedAt == nil {
		t.Fatalf("final status = %s resolved_at = %v, want resolved with timestamp", final.Status, final.ResolvedAt)
	}
	if final.AssignedTo != "agent-7" {
		t.Fatalf("AssignedTo = %q, want agent-7", final.AssignedTo)
	}
}

// laggingStore serves a stale copy of a ticket, as another replica would see
// it before a concurrent write landed.
type laggingStore struct {
	*InMemoryStore
	stale map[string]Ticket
}

func (s *laggingStore) GetTicket(ctx context.Context, ticketID string) (Ticket, error) {
	if t, ok := s.stale[ticketID]; ok {
		return t.Clone(), nil
	}
	return s.InMemoryStore.GetTicket(ctx, ticketID)
}

func TestStaleTicketWriteIsRejected(t *testing.T) {
	store := &laggingStore{InMemoryStore: NewInMemoryStore(), stale: make(map[string]Ticket)}
	m, _ := newTestManager(store)
	ctx := context.Background()
	ticket, _, _ := m.CreateEscalationTicket(ctx, "s1", "", "help", sentiment.Result{Sentiment: sentiment.Angry, Score: -6})
	store.stale[ticket.ID] = ticket

	resolved := ticket.Clone()
	resolved.Status = StatusResolved
	if err := store.InMemoryStore.SaveTicket(ctx, resolved); err != nil {
		t.Fatalf("SaveTicket(resolved) error = %v", err)
	}

	if _, err := m.AssignTicket(ctx, ticket.ID, "agent-7"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("AssignTicket(stale) error = %v, want validation", err)
	}
	final, _ := store.InMemoryStore.GetTicket(ctx, ticket.ID)
	if final.Status != StatusResolved {
		t.Fatalf("status = %s, want resolved", final.Status)
	}
	if gaps := m.DeliveryGaps(); len(gaps) != 0 {
		t.Fatalf("DeliveryGaps() = %v, want none for a stale write", gaps)
	}
}

func TestInMemoryStoreRefusesBackwardStatus(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	tk := Ticket{ID: "t1", SessionID: "s1", Status: StatusAssigned}
	if err := store.SaveTicket(ctx, tk); err != nil {
		t.Fatalf("SaveTicket() error = %v", err)
	}
	tk.Status = StatusPending
	if err := store.SaveTicket(ctx, tk); !errors.Is(err, ErrStaleTicket) {
		t.Fatalf("SaveTicket(pending) error = %v, want ErrStaleTicket", err)
	}
	tk.Status = StatusResolved
	if err := store.SaveTicket(ctx, tk); err != nil {
		t.Fatalf("SaveTicket(resolved) error = %v", err)
	}
}

type unreadableStore struct {
	*InMemoryStore
	failReads atomic.Bool
}

func (s *unreadableStore) GetTicket(ctx context.Context, ticketID string) (Ticket, error) {
	if s.failReads.Load() {
		return Ticket{}, errors.New("db timeout")
	}
	return s.InMemoryStore.GetTicket(ctx, ticketID)
}

func (s *unreadableStore) OpenForSession(ctx context.Context, sessionID string) (Ticket, bool, error) {
	if s.failReads.Load() {
		return Ticket{}, false, errors.New("db timeout")
	}
	return s.InMemoryStore.OpenForSession(ctx, sessionID)
}

func TestStoreReadOutageKeepsOneTicket(t *testing.T) {
	store := &unreadableStore{InMemoryStore: NewInMemoryStore()}
	m, _ := newTestManager(store)
	ctx := context.Background()
	result := sentiment.Result{Sentiment: sentiment.Angry, Score: -9}
	first, created, err := m.CreateEscalationTicket(ctx, "s1", "", "refund now", result)
	if err != nil || !created {
		t.Fatalf("first create = %v, %v", created, err)
	}

	store.failReads.Store(true)
	second, created, err := m.CreateEscalationTicket(ctx, "s1", "", "refund now", result)
	if err != nil {
		t.Fatalf("second create error = %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("second create created=%v id=%s, want existing %s", created, second.ID, first.ID)
	}

	store.failReads.Store(false)
	active, err := store.ListActive(ctx, 0)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active tickets = %d, want 1", len(active))
	}
	if again, created, _ := m.CreateEscalationTicket(ctx, "s1", "", "refund now", result); created || again.ID != first.ID {
		t.Fatalf("after recovery created=%v id=%s, want existing %s", created, again.ID, first.ID)
	}
}
