package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/catalog"
)

func newTestManager(ttl time.Duration, maxMessages int) (*Manager, *clockz.FakeClock) {
	clock := clockz.NewFakeClock()
	backend := NewMemoryBackend(ttl, clock)
	return NewManager(backend, Options{MaxMessages: maxMessages, Clock: clock}), clock
}

func TestAddMessageKeepsMostRecent(t *testing.T) {
	m, clock := newTestManager(time.Hour, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		c, err := m.AddMessage(ctx, "s1", RoleUser, fmt.Sprintf("msg-%d", i), "u1")
		if err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
		if len(c.Messages) > 3 {
			t.Fatalf("len(Messages) = %d after add %d, want <= 3", len(c.Messages), i)
		}
	}

	c, err := m.GetContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if len(c.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(c.Messages))
	}
	for i, want := range []string{"msg-2", "msg-3", "msg-4"} {
		if c.Messages[i].Content != want {
			t.Fatalf("Messages[%d] = %q, want %q", i, c.Messages[i].Content, want)
		}
	}
	if c.UserID != "u1" {
		t.Fatalf("UserID = %q, want u1", c.UserID)
	}
}

func TestAppendClampsTimestamps(t *testing.T) {
	c := &ConversationContext{}
	c.Append(RoleUser, "a", 2000, 10)
	c.Append(RoleAssistant, "b", 1000, 10)
	if c.Messages[1].TimestampMS != 2000 {
		t.Fatalf("TimestampMS = %d, want 2000", c.Messages[1].TimestampMS)
	}
}

func TestIdleSessionExpiresAndRestartsFresh(t *testing.T) {
	ttl := 10 * time.Minute
	m, clock := newTestManager(ttl, 20)
	ctx := context.Background()

	if _, err := m.AddMessage(ctx, "s1", RoleUser, "hello", ""); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	if _, err := m.AddMessage(ctx, "s1", RoleAssistant, "hi there", ""); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}

	clock.Advance(ttl + time.Second)
	c, err := m.GetContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if c != nil {
		t.Fatalf("GetContext() = %+v, want nil after TTL", c)
	}

	c, err = m.AddMessage(ctx, "s1", RoleUser, "back again", "")
	if err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	if len(c.Messages) != 1 || c.Messages[0].Content != "back again" {
		t.Fatalf("Messages = %+v, want one fresh message", c.Messages)
	}
}

func TestAccessSlidesExpiry(t *testing.T) {
	ttl := 10 * time.Minute
	m, clock := newTestManager(ttl, 20)
	ctx := context.Background()
	_, _ = m.AddMessage(ctx, "s1", RoleUser, "hello", "")

	for i := 0; i < 3; i++ {
		clock.Advance(ttl - time.Minute)
		c, err := m.GetContext(ctx, "s1")
		if err != nil || c == nil {
			t.Fatalf("GetContext() round %d = %v, %v; want live context", i, c, err)
		}
	}
}

func TestSweepPurgesAndNotifies(t *testing.T) {
	ttl := time.Minute
	m, clock := newTestManager(ttl, 20)
	ctx := context.Background()

	var mu sync.Mutex
	var expired []string
	m.OnExpire(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, id)
	})

	_, _ = m.AddMessage(ctx, "old", RoleUser, "hello", "")
	clock.Advance(2 * ttl)
	_, _ = m.AddMessage(ctx, "new", RoleUser, "hello", "")

	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != "old" {
		t.Fatalf("expired = %v, want [old]", expired)
	}
}

func TestJanitorStopsOnCancel(t *testing.T) {
	m, clock := newTestManager(time.Minute, 20)
	expired := make(chan string, 4)
	m.OnExpire(func(id string) { expired <- id })

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := m.AddMessage(ctx, "s1", RoleUser, "hello", ""); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	m.StartJanitor(ctx, 30*time.Second)

	clock.Advance(2 * time.Minute)
	clock.BlockUntilReady()
	select {
	case id := <-expired:
		if id != "s1" {
			t.Fatalf("expired id = %q, want s1", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not sweep after the clock advanced")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for clock.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatalf("janitor ticker still registered after cancel")
		}
		time.Sleep(time.Millisecond)
	}

	// Writes after shutdown still land and are no longer swept.
	if _, err := m.AddMessage(context.Background(), "s2", RoleUser, "after", ""); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	clock.Advance(2 * time.Minute)
	clock.BlockUntilReady()
	select {
	case id := <-expired:
		t.Fatalf("session %q swept after janitor stopped", id)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestConcurrentTurnsDoNotLoseMessages(t *testing.T) {
	m, _ := newTestManager(time.Hour, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AddMessage(ctx, "busy", RoleUser, fmt.Sprintf("m%d", i), ""); err != nil {
				t.Errorf("AddMessage() error = %v", err)
			}
		}()
	}
	wg.Wait()

	c, _ := m.GetContext(ctx, "busy")
	if len(c.Messages) != 25 {
		t.Fatalf("len(Messages) = %d, want 25", len(c.Messages))
	}
}

func TestUpdatePreferencesMerges(t *testing.T) {
	m, _ := newTestManager(time.Hour, 20)
	ctx := context.Background()
	_, _ = m.UpdatePreferences(ctx, "s1", catalog.Preferences{
		PriceRange:         &catalog.PriceRange{Max: 100},
		FavoriteCategories: []string{"cat-books"},
	})
	c, err := m.UpdatePreferences(ctx, "s1", catalog.Preferences{FavoriteCategories: []string{"cat-kitchen"}})
	if err != nil {
		t.Fatalf("UpdatePreferences() error = %v", err)
	}
	if c.Preferences.PriceRange == nil || c.Preferences.PriceRange.Max != 100 {
		t.Fatalf("PriceRange = %+v, want kept", c.Preferences.PriceRange)
	}
	if c.Preferences.FavoriteCategories[0] != "cat-kitchen" {
		t.Fatalf("FavoriteCategories = %v, want [cat-kitchen]", c.Preferences.FavoriteCategories)
	}
}

func TestVoiceAuthenticationAndClear(t *testing.T) {
	m, _ := newTestManager(time.Hour, 20)
	ctx := context.Background()
	if err := m.SetVoiceAuthenticated(ctx, "s1", true); err != nil {
		t.Fatalf("SetVoiceAuthenticated() error = %v", err)
	}
	c, _ := m.GetContext(ctx, "s1")
	if !c.VoiceAuthenticated {
		t.Fatalf("VoiceAuthenticated = false, want true")
	}
	if err := m.ClearContext(ctx, "s1"); err != nil {
		t.Fatalf("ClearContext() error = %v", err)
	}
	if c, _ := m.GetContext(ctx, "s1"); c != nil {
		t.Fatalf("GetContext() after clear = %+v, want nil", c)
	}
	if err := m.ClearContext(ctx, "never"); err != nil {
		t.Fatalf("ClearContext(unknown) error = %v", err)
	}
}

type conflictOnceBackend struct {
	*MemoryBackend
	conflicts int
}

func (b *conflictOnceBackend) Save(ctx context.Context, c *ConversationContext) error {
	if b.conflicts == 0 {
		b.conflicts++
		return ErrVersionConflict
	}
	return b.MemoryBackend.Save(ctx, c)
}

func TestWithContextRetriesVersionConflictOnce(t *testing.T) {
	backend := &conflictOnceBackend{MemoryBackend: NewMemoryBackend(time.Hour, clockz.NewFakeClock())}
	m := NewManager(backend, Options{})
	calls := 0
	c, err := m.WithContext(context.Background(), "s1", "", func(c *ConversationContext) error {
		calls++
		c.CurrentIntent = "shopping"
		return nil
	})
	if err != nil {
		t.Fatalf("WithContext() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("fn calls = %d, want 2", calls)
	}
	if c.Version != 1 {
		t.Fatalf("Version = %d, want 1", c.Version)
	}
}

type downBackend struct{ *MemoryBackend }

func (downBackend) Load(context.Context, string) (*ConversationContext, error) {
	return nil, errors.New("connection refused")
}

func TestWithContextStartsFreshWhenStoreIsDown(t *testing.T) {
	m := NewManager(downBackend{NewMemoryBackend(time.Hour, nil)}, Options{})
	ran := false
	c, err := m.WithContext(context.Background(), "s1", "u1", func(c *ConversationContext) error {
		ran = true
		return nil
	})
	if !ran {
		t.Fatalf("fn did not run")
	}
	if c == nil || c.SessionID != "s1" {
		t.Fatalf("context = %+v, want fresh context for s1", c)
	}
	if !apperr.IsExternal(err) {
		t.Fatalf("WithContext() error = %v, want external", err)
	}
}

func TestWithContextAbortsOnFnError(t *testing.T) {
	m, _ := newTestManager(time.Hour, 20)
	want := errors.New("boom")
	if _, err := m.WithContext(context.Background(), "s1", "", func(*ConversationContext) error { return want }); !errors.Is(err, want) {
		t.Fatalf("WithContext() error = %v, want %v", err, want)
	}
	if c, _ := m.GetContext(context.Background(), "s1"); c != nil {
		t.Fatalf("context saved despite fn error")
	}
}

func TestRedisBackendRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	b, err := NewRedisBackend(ctx, url, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisBackend() error = %v", err)
	}
	defer b.Close()

	id := fmt.Sprintf("test-%d", time.Now().UnixNano())
	defer b.Delete(ctx, id)

	c := &ConversationContext{SessionID: id}
	if err := b.Save(ctx, c); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	stale := &ConversationContext{SessionID: id}
	if err := b.Save(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Save(stale) error = %v, want ErrVersionConflict", err)
	}
	got, err := b.Load(ctx, id)
	if err != nil || got == nil || got.Version != 1 {
		t.Fatalf("Load() = %+v, %v; want version 1", got, err)
	}
}
