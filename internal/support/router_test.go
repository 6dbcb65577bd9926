package support

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/escalation"
	"github.com/ent0n29/shopkeeper/internal/history"
	"github.com/ent0n29/shopkeeper/internal/llm"
	"github.com/ent0n29/shopkeeper/internal/sentiment"
)

type failingLLM struct{}

func (failingLLM) Generate(context.Context, llm.Prompt, llm.DeltaHandler) (llm.Response, error) {
	return llm.Response{}, errors.New("model offline")
}

type gapEscalator struct{ calls int }

func (g *gapEscalator) Create(_ context.Context, req escalation.Request) (escalation.Ticket, bool, error) {
	g.calls++
	t := escalation.Ticket{ID: "t-123456789", SessionID: req.SessionID, Status: escalation.StatusPending, Priority: escalation.PriorityFor(req.Sentiment)}
	return t, true, fmt.Errorf("save ticket: %w", apperr.ErrEscalationPersistence)
}

func newTestRouter(t *testing.T, adapter llm.Adapter, surveyEvery int) (*Router, *escalation.Manager, *history.InMemoryStore) {
	t.Helper()
	hist := history.NewInMemoryStore()
	clock := clockz.NewFakeClock()
	mgr := escalation.NewManager(escalation.NewInMemoryStore(), escalation.Options{
		Clock:     clock,
		RetryBase: time.Millisecond,
		History:   hist,
	})
	r := NewRouter(mgr, hist, adapter, Options{SurveyEvery: surveyEvery, Clock: clock})
	return r, mgr, hist
}

func TestFindMatchingTemplate(t *testing.T) {
	r := NewRouter(nil, nil, nil, Options{})
	tests := []struct {
		msg  string
		want string
	}{
		{"What is your return policy?", "return_policy"},
		{"My shoes arrived damaged and shipping was slow", "damaged_item"},
		{"I want to talk to the manager", "human_handoff"},
		{"Hello there", "greeting"},
		{"Do you sell kayaks?", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got, ok := r.FindMatchingTemplate(tt.msg)
		if tt.want == "" {
			if ok {
				t.Fatalf("FindMatchingTemplate(%q) = %q, want no match", tt.msg, got.Name)
			}
			continue
		}
		if !ok || got.Name != tt.want {
			t.Fatalf("FindMatchingTemplate(%q) = %q (%v), want %q", tt.msg, got.Name, ok, tt.want)
		}
	}
}

func TestLoadTemplatesOrdersByPriority(t *testing.T) {
	table, err := LoadTemplates([]byte(`[
		{"name": "low", "patterns": ["order"], "response": "low", "priority": 1},
		{"name": "high", "patterns": ["re:\\border\\b"], "response": "high", "priority": 5}
	]`))
	if err != nil {
		t.Fatalf("LoadTemplates() error = %v", err)
	}
	if table[0].Name != "high" {
		t.Fatalf("first template = %q, want high", table[0].Name)
	}
	r := NewRouter(nil, nil, nil, Options{Templates: table})
	if got, _ := r.FindMatchingTemplate("my order"); got.Name != "high" {
		t.Fatalf("match = %q, want high", got.Name)
	}
}

func TestLoadTemplatesRejectsBadRegex(t *testing.T) {
	_, err := LoadTemplates([]byte(`[{"name": "x", "patterns": ["re:("], "response": "r"}]`))
	if err == nil {
		t.Fatalf("LoadTemplates() error = nil, want error")
	}
}

func TestTemplateReplyIsRuleBased(t *testing.T) {
	r, mgr, _ := newTestRouter(t, nil, 3)
	res, err := r.ProcessMessage(context.Background(), Request{Message: "what's your return policy?", SessionID: "s1"})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if !res.RuleBased || res.Template != "return_policy" || res.Intent != "returns" {
		t.Fatalf("Result = %+v, want return_policy template", res)
	}
	if res.Escalated {
		t.Fatalf("Escalated = true, want false")
	}
	if res.Sentiment.Sentiment != sentiment.Neutral {
		t.Fatalf("Sentiment = %q, want neutral", res.Sentiment.Sentiment)
	}
	active, _ := mgr.GetActiveTickets(context.Background(), 10)
	if len(active) != 0 {
		t.Fatalf("active tickets = %d, want 0", len(active))
	}
}

func TestAngryMessageEscalatesOnce(t *testing.T) {
	r, mgr, _ := newTestRouter(t, nil, 3)
	ctx := context.Background()
	msg := "This is the worst service ever, I want a refund now!"

	first, err := r.ProcessMessage(ctx, Request{Message: msg, SessionID: "s1", UserID: "u-1"})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if !first.Escalated || first.Ticket == nil {
		t.Fatalf("Result = %+v, want escalation", first)
	}
	if first.Ticket.Priority != escalation.PriorityUrgent {
		t.Fatalf("Priority = %q, want urgent", first.Ticket.Priority)
	}
	if first.RuleBased {
		t.Fatalf("RuleBased = true, want generated reply")
	}

	second, err := r.ProcessMessage(ctx, Request{Message: msg, SessionID: "s1", UserID: "u-1"})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if second.Ticket == nil || second.Ticket.ID != first.Ticket.ID {
		t.Fatalf("second ticket = %+v, want %s", second.Ticket, first.Ticket.ID)
	}
	if !strings.Contains(second.Response, "already with our support team") {
		t.Fatalf("Response = %q", second.Response)
	}
	active, _ := mgr.GetActiveTickets(ctx, 10)
	if len(active) != 1 {
		t.Fatalf("active tickets = %d, want 1", len(active))
	}
}

func TestHandoffRequestEscalates(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, 3)
	res, err := r.ProcessMessage(context.Background(), Request{Message: "Can I speak to a human please", SessionID: "s1"})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if res.Template != "human_handoff" || !res.Escalated {
		t.Fatalf("Result = %+v, want handoff escalation", res)
	}
}

func TestUpsetCustomerOnEscalatableTemplate(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, 3)
	res, err := r.ProcessMessage(context.Background(), Request{Message: "My order arrived damaged, I'm really disappointed", SessionID: "s1"})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if res.Template != "damaged_item" {
		t.Fatalf("Template = %q, want damaged_item", res.Template)
	}
	if res.Sentiment.Sentiment != sentiment.Negative || !res.Escalated {
		t.Fatalf("Result = %+v, want negative and escalated", res)
	}
	if res.Ticket.Priority != escalation.PriorityMedium {
		t.Fatalf("Priority = %q, want medium", res.Ticket.Priority)
	}
}

func TestRefundTemplateRequiresAuth(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, 3)
	ctx := context.Background()
	res, err := r.ProcessMessage(ctx, Request{Message: "where is my refund?", SessionID: "s1"})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if !res.AuthRequired || res.Response != authResponse {
		t.Fatalf("Result = %+v, want auth prompt", res)
	}

	res, err = r.ProcessMessage(ctx, Request{Message: "where is my refund?", SessionID: "s1", Authenticated: true})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if res.AuthRequired || !strings.Contains(res.Response, "5 business days") {
		t.Fatalf("Result = %+v, want refund template", res)
	}
}

func TestLLMFailureFallsBackToApology(t *testing.T) {
	r, _, _ := newTestRouter(t, failingLLM{}, 3)
	res, err := r.ProcessMessage(context.Background(), Request{Message: "Do you sell kayaks?", SessionID: "s1"})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if res.Response != apologyResponse {
		t.Fatalf("Response = %q, want apology", res.Response)
	}
	if !slices.Contains(res.Degraded, "llm") {
		t.Fatalf("Degraded = %v, want llm", res.Degraded)
	}
}

func TestSurveyEveryNResolvedUntilRated(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, 2)
	ctx := context.Background()
	ask := func() Result {
		t.Helper()
		res, err := r.ProcessMessage(ctx, Request{Message: "how long does shipping take?", SessionID: "s1"})
		if err != nil {
			t.Fatalf("ProcessMessage() error = %v", err)
		}
		return res
	}

	if ask().SurveyRequested {
		t.Fatalf("first reply asked for a survey")
	}
	second := ask()
	if !second.SurveyRequested || !strings.Contains(second.Response, surveyPrompt) {
		t.Fatalf("second reply = %+v, want survey", second)
	}
	if err := r.ProcessSatisfactionRating(ctx, 5, "s1", ""); err != nil {
		t.Fatalf("ProcessSatisfactionRating() error = %v", err)
	}
	ask()
	if ask().SurveyRequested {
		t.Fatalf("rated session was surveyed again")
	}
}

func TestProcessSatisfactionRatingValidates(t *testing.T) {
	r, _, hist := newTestRouter(t, nil, 3)
	ctx := context.Background()
	for _, rating := range []int{0, 6} {
		if err := r.ProcessSatisfactionRating(ctx, rating, "s1", ""); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("rating %d error = %v, want ErrValidation", rating, err)
		}
	}
	if err := r.ProcessSatisfactionRating(ctx, 4, "s1", "u-1"); err != nil {
		t.Fatalf("ProcessSatisfactionRating() error = %v", err)
	}
	sum, _ := hist.Summary(ctx)
	if sum.Ratings != 1 || sum.AvgRating != 4 {
		t.Fatalf("Summary = %+v, want one rating of 4", sum)
	}
}

func TestPersistenceGapStillAcknowledges(t *testing.T) {
	esc := &gapEscalator{}
	r := NewRouter(esc, nil, nil, Options{})
	res, err := r.ProcessMessage(context.Background(), Request{Message: "This is the worst service ever, I want a refund now!", SessionID: "s1"})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if !res.Escalated || !slices.Contains(res.Degraded, "escalation_store") {
		t.Fatalf("Result = %+v, want acknowledged escalation with gap", res)
	}
	if !strings.Contains(res.Response, "t-123456") {
		t.Fatalf("Response = %q, want ticket reference", res.Response)
	}
}

func TestProcessMessageValidates(t *testing.T) {
	r := NewRouter(nil, nil, nil, Options{})
	if _, err := r.ProcessMessage(context.Background(), Request{Message: " ", SessionID: "s1"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if _, err := r.ProcessMessage(context.Background(), Request{Message: "hi"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}
