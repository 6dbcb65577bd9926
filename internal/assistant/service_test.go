package assistant

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/shopkeeper/internal/catalog"
	"github.com/ent0n29/shopkeeper/internal/dialogue"
	"github.com/ent0n29/shopkeeper/internal/embedding"
	"github.com/ent0n29/shopkeeper/internal/escalation"
	"github.com/ent0n29/shopkeeper/internal/history"
	"github.com/ent0n29/shopkeeper/internal/knowledge"
	"github.com/ent0n29/shopkeeper/internal/llm"
	"github.com/ent0n29/shopkeeper/internal/recommend"
	"github.com/ent0n29/shopkeeper/internal/session"
	"github.com/ent0n29/shopkeeper/internal/support"
)

type countingLLM struct {
	inner llm.Adapter
	calls atomic.Int32
}

func (c *countingLLM) Generate(ctx context.Context, p llm.Prompt, onDelta llm.DeltaHandler) (llm.Response, error) {
	c.calls.Add(1)
	return c.inner.Generate(ctx, p, onDelta)
}

// conflictOnce rejects the first save with a version conflict.
type conflictOnce struct {
	session.Backend
	tripped atomic.Bool
}

func (b *conflictOnce) Save(ctx context.Context, c *session.ConversationContext) error {
	if b.tripped.CompareAndSwap(false, true) {
		return session.ErrVersionConflict
	}
	return b.Backend.Save(ctx, c)
}

type fixture struct {
	svc      *Service
	sessions *session.Manager
	history  *history.InMemoryStore
	llm      *countingLLM
}

func newFixture(t *testing.T, backend session.Backend, opts Options) fixture {
	t.Helper()
	cat, err := catalog.NewSeedCatalog()
	if err != nil {
		t.Fatalf("NewSeedCatalog() error = %v", err)
	}
	store := knowledge.NewStore(embedding.NewHashEmbedder(64), knowledge.NewMemoryBackend(), knowledge.Options{})
	indexer := knowledge.NewIndexer(store, cat)
	if _, err := indexer.ReindexAll(context.Background()); err != nil {
		t.Fatalf("ReindexAll() error = %v", err)
	}
	if backend == nil {
		backend = session.NewMemoryBackend(time.Hour, nil)
	}
	engine := recommend.NewEngine(cat, time.Second)
	hist := history.NewInMemoryStore()
	model := &countingLLM{inner: llm.NewMockAdapter()}
	escalations := escalation.NewManager(escalation.NewInMemoryStore(), escalation.Options{History: hist})
	sessions := session.NewManager(backend, session.Options{})

	svc := NewService(Deps{
		Sessions: sessions,
		Orchestrator: dialogue.NewOrchestrator(dialogue.Deps{
			Knowledge:   store,
			Recommender: engine,
			Catalog:     cat,
			Orders:      cat,
			Carts:       cat,
			LLM:         model,
		}, dialogue.Options{}),
		Support:     support.NewRouter(escalations, hist, model, support.Options{}),
		Escalations: escalations,
		History:     hist,
		Recommender: engine,
		Indexer:     indexer,
	}, opts)
	return fixture{svc: svc, sessions: sessions, history: hist, llm: model}
}

func TestHandleTurnRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, Options{MaxMessageChars: 10})
	cases := map[string]string{
		"blank":    "   ",
		"too long": "this message is too long",
		"bad utf8": "hi \xff",
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.svc.HandleTurn(context.Background(), TurnRequest{SessionID: "s", Message: msg}); err == nil {
				t.Fatalf("HandleTurn(%q) error = nil, want validation error", msg)
			}
		})
	}
	c, _ := f.sessions.GetContext(context.Background(), "s")
	if c != nil {
		t.Fatalf("rejected turns created session state: %+v", c)
	}
}

func TestHandleTurnAssignsSessionID(t *testing.T) {
	f := newFixture(t, nil, Options{})
	resp, err := f.svc.HandleTurn(context.Background(), TurnRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.SessionID == "" {
		t.Fatalf("SessionID is empty")
	}
	msgs, err := f.svc.History(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("History() = %d messages, want 2", len(msgs))
	}
}

func TestDialogueTurnUpdatesSession(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	resp, err := f.svc.HandleTurn(ctx, TurnRequest{SessionID: "shop-1", Message: "running shoes under $100"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.Intent != string(dialogue.IntentShopping) {
		t.Fatalf("Intent = %q, want shopping", resp.Intent)
	}

	c, err := f.sessions.GetContext(ctx, "shop-1")
	if err != nil || c == nil {
		t.Fatalf("GetContext() = %v, %v", c, err)
	}
	if c.CurrentIntent != string(dialogue.IntentShopping) {
		t.Fatalf("CurrentIntent = %q, want shopping", c.CurrentIntent)
	}
	if c.Preferences.PriceRange == nil || c.Preferences.PriceRange.Max != 100 {
		t.Fatalf("PriceRange = %+v, want max 100", c.Preferences.PriceRange)
	}
	for _, r := range resp.Recommendations {
		if !slices.Contains(c.SuggestedProductIDs, r.ID) {
			t.Fatalf("SuggestedProductIDs %v missing %s", c.SuggestedProductIDs, r.ID)
		}
	}
	if !slices.Equal(c.Suggestions, resp.Suggestions) {
		t.Fatalf("session Suggestions = %v, want %v", c.Suggestions, resp.Suggestions)
	}

	sum, err := f.history.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.TotalInteractions != 1 {
		t.Fatalf("TotalInteractions = %d, want 1", sum.TotalInteractions)
	}
}

func TestVersionConflictDoesNotRepeatTurn(t *testing.T) {
	backend := &conflictOnce{Backend: session.NewMemoryBackend(time.Hour, nil)}
	f := newFixture(t, backend, Options{})
	ctx := context.Background()

	if _, err := f.svc.HandleTurn(ctx, TurnRequest{SessionID: "race", Message: "show me books"}); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if got := f.llm.calls.Load(); got != 1 {
		t.Fatalf("LLM calls = %d, want 1", got)
	}
	msgs, _ := f.svc.History(ctx, "race")
	if len(msgs) != 2 {
		t.Fatalf("History() = %d messages, want 2", len(msgs))
	}
}

func TestAngryDialogueTurnEscalatesOnce(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	msg := "This is the worst service, I want a refund now. Unacceptable!"

	first, err := f.svc.HandleTurn(ctx, TurnRequest{SessionID: "angry", Message: msg})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if !first.Escalated || first.Ticket == nil {
		t.Fatalf("first turn = %+v, want escalation", first)
	}
	if !strings.Contains(first.Response, "support team") {
		t.Fatalf("Response = %q, want handoff notice", first.Response)
	}

	second, err := f.svc.HandleTurn(ctx, TurnRequest{SessionID: "angry", Message: msg})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if second.Ticket == nil || second.Ticket.ID != first.Ticket.ID {
		t.Fatalf("second ticket = %+v, want %s", second.Ticket, first.Ticket.ID)
	}
	tickets, _ := f.svc.ActiveTickets(ctx, 10)
	if len(tickets) != 1 {
		t.Fatalf("ActiveTickets() = %d, want 1", len(tickets))
	}
}

func TestSupportTurnHonorsVoiceAuth(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	resp, err := f.svc.HandleTurn(ctx, TurnRequest{SessionID: "sup", Message: "where is my refund", Support: true})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.Path != support.PathSupport || !resp.AuthRequired {
		t.Fatalf("unverified refund = %+v, want support path requiring auth", resp)
	}

	if err := f.svc.SetVoiceAuthenticated(ctx, "sup", true); err != nil {
		t.Fatalf("SetVoiceAuthenticated() error = %v", err)
	}
	resp, err = f.svc.HandleTurn(ctx, TurnRequest{SessionID: "sup", Message: "where is my refund", Support: true})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.AuthRequired || !strings.Contains(resp.Response, "5 business days") {
		t.Fatalf("verified refund = %+v, want template answer", resp)
	}
}

func TestSuggestionsAndHistoryForUnknownSession(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	sugg, err := f.svc.Suggestions(ctx, "nobody")
	if err != nil {
		t.Fatalf("Suggestions() error = %v", err)
	}
	if !slices.Equal(sugg, dialogue.DefaultSuggestions(dialogue.IntentGeneral)) {
		t.Fatalf("Suggestions() = %v, want defaults", sugg)
	}
	msgs, err := f.svc.History(ctx, "nobody")
	if err != nil || msgs == nil || len(msgs) != 0 {
		t.Fatalf("History() = %v, %v, want empty slice", msgs, err)
	}
}

func TestProductQueriesValidate(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	if _, err := f.svc.BudgetProducts(ctx, 0, 5); err == nil {
		t.Fatalf("BudgetProducts(0) error = nil, want validation error")
	}
	if _, err := f.svc.RecommendedProducts(ctx, " ", 5); err == nil {
		t.Fatalf("RecommendedProducts(blank) error = nil, want validation error")
	}
	got, err := f.svc.TrendingProducts(ctx, 0)
	if err != nil {
		t.Fatalf("TrendingProducts() error = %v", err)
	}
	if len(got) != defaultProductLimit {
		t.Fatalf("TrendingProducts(0) = %d, want %d", len(got), defaultProductLimit)
	}
}
