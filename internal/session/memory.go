package session

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

type memoryEntry struct {
	ctx       *ConversationContext
	expiresAt time.Time
}

// MemoryBackend keeps contexts in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	clock   clockz.Clock
	ttl     time.Duration
	entries map[string]*memoryEntry
	// dropped holds ids removed lazily by Load since the last Sweep.
	dropped []string
}

func NewMemoryBackend(ttl time.Duration, clock clockz.Clock) *MemoryBackend {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &MemoryBackend{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
	}
}

func (b *MemoryBackend) Load(_ context.Context, sessionID string) (*ConversationContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[sessionID]
	if !ok {
		return nil, nil
	}
	now := b.clock.Now()
	if !now.Before(e.expiresAt) {
		delete(b.entries, sessionID)
		b.dropped = append(b.dropped, sessionID)
		return nil, nil
	}
	e.expiresAt = now.Add(b.ttl)
	return e.ctx.Clone(), nil
}

func (b *MemoryBackend) Save(_ context.Context, c *ConversationContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if e, ok := b.entries[c.SessionID]; ok && now.Before(e.expiresAt) && e.ctx.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	b.entries[c.SessionID] = &memoryEntry{ctx: c.Clone(), expiresAt: now.Add(b.ttl)}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, sessionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[sessionID]
	delete(b.entries, sessionID)
	return ok, nil
}

func (b *MemoryBackend) Sweep(_ context.Context, now time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	expired := b.dropped
	b.dropped = nil
	for id, e := range b.entries {
		if !now.Before(e.expiresAt) {
			delete(b.entries, id)
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// Len reports the number of stored sessions, expired or not.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *MemoryBackend) Close() error { return nil }
