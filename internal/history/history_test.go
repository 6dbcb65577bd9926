package history

import (
	"context"
	"testing"
)

func TestInMemoryStoreSummary(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	records := []Interaction{
		{SessionID: "a", Path: "support", Sentiment: "neutral", Resolved: true},
		{SessionID: "a", Path: "support", Sentiment: "angry", Escalated: true},
		{SessionID: "b", Path: "dialogue", Sentiment: "positive"},
		{SessionID: "c", Path: "support", Sentiment: "neutral", Resolved: true},
	}
	for _, r := range records {
		if err := s.RecordInteraction(ctx, r); err != nil {
			t.Fatalf("RecordInteraction() error = %v", err)
		}
	}
	_ = s.RecordRating(ctx, Rating{SessionID: "a", Rating: 2})
	_ = s.RecordRating(ctx, Rating{SessionID: "a", Rating: 4})
	_ = s.RecordRating(ctx, Rating{SessionID: "c", Rating: 5})

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.TotalConversations != 3 || sum.TotalInteractions != 4 {
		t.Fatalf("totals = %d/%d, want 3/4", sum.TotalConversations, sum.TotalInteractions)
	}
	if sum.EscalatedConversations != 1 {
		t.Fatalf("EscalatedConversations = %d, want 1", sum.EscalatedConversations)
	}
	if sum.EscalationRate != 0.3333 {
		t.Fatalf("EscalationRate = %v, want 0.3333", sum.EscalationRate)
	}
	if sum.Ratings != 2 || sum.AvgRating != 4.5 {
		t.Fatalf("ratings = %d avg %v, want 2 avg 4.5", sum.Ratings, sum.AvgRating)
	}
	if sum.SentimentBreakdown["neutral"] != 2 || sum.SentimentBreakdown["angry"] != 1 {
		t.Fatalf("SentimentBreakdown = %v", sum.SentimentBreakdown)
	}
}

func TestInMemoryStoreResolvedCountAndRating(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.RecordInteraction(ctx, Interaction{SessionID: "a", Resolved: true})
	_ = s.RecordInteraction(ctx, Interaction{SessionID: "a", Resolved: true, Escalated: true})
	_ = s.RecordInteraction(ctx, Interaction{SessionID: "a"})
	_ = s.RecordInteraction(ctx, Interaction{SessionID: "b", Resolved: true})

	n, err := s.ResolvedCount(ctx, "a")
	if err != nil || n != 1 {
		t.Fatalf("ResolvedCount(a) = %d, %v; want 1", n, err)
	}

	if ok, _ := s.HasRating(ctx, "a"); ok {
		t.Fatalf("HasRating(a) = true before rating")
	}
	_ = s.RecordRating(ctx, Rating{SessionID: "a", Rating: 3})
	if ok, _ := s.HasRating(ctx, "a"); !ok {
		t.Fatalf("HasRating(a) = false after rating")
	}
}

func TestEmptySummary(t *testing.T) {
	sum, err := NewInMemoryStore().Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.EscalationRate != 0 || sum.AvgRating != 0 || sum.SentimentBreakdown == nil {
		t.Fatalf("Summary() = %+v, want zero values with empty breakdown", sum)
	}
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	s, err := NewStore(context.Background(), " ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}
