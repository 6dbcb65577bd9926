// Package session holds per-session conversation state with a sliding TTL.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/catalog"
	"github.com/ent0n29/shopkeeper/internal/observability"
)

const defaultMaxMessages = 20

type Options struct {
	MaxMessages int
	// StoreTimeout bounds every backend call.
	StoreTimeout time.Duration
	Clock        clockz.Clock
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

type Manager struct {
	backend      Backend
	maxMessages  int
	storeTimeout time.Duration
	clock        clockz.Clock
	metrics      *observability.Metrics
	logger       *slog.Logger
	locks        *keyedMutex

	hookMu   sync.RWMutex
	onExpire []func(sessionID string)
}

func NewManager(backend Backend, opts Options) *Manager {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = defaultMaxMessages
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}
	if opts.Logger == nil {
		opts.Logger = observability.Logger()
	}
	return &Manager{
		backend:      backend,
		maxMessages:  opts.MaxMessages,
		storeTimeout: opts.StoreTimeout,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "session"),
		locks:        newKeyedMutex(),
	}
}

func (m *Manager) MaxMessages() int { return m.maxMessages }

// OnExpire registers a hook called with each purged session id.
func (m *Manager) OnExpire(hook func(sessionID string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onExpire = append(m.onExpire, hook)
}

// GetContext returns nil when the session never existed or has expired.
func (m *Manager) GetContext(ctx context.Context, sessionID string) (*ConversationContext, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	c, err := m.backend.Load(ctx, sessionID)
	if err != nil {
		m.metrics.ObserveExternalError("session_store")
		return nil, apperr.External("session_store", err)
	}
	return c, nil
}

// SaveContext persists c and resets its TTL.
func (m *Manager) SaveContext(ctx context.Context, c *ConversationContext) error {
	if c == nil || strings.TrimSpace(c.SessionID) == "" {
		return apperr.Validation("session id is required")
	}
	c.truncate(m.maxMessages)
	c.UpdatedAt = m.clock.Now().UTC()

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	created := c.Version == 0
	if err := m.backend.Save(ctx, c); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		m.metrics.ObserveExternalError("session_store")
		return apperr.External("session_store", err)
	}
	if created {
		m.metrics.ObserveSessionEvent("created")
	}
	return nil
}

// WithContext runs fn on the session's context inside the session's critical
// section and saves the result. A missing context is created. When the store
// cannot be read fn still runs on a fresh context; the returned context is
// usable even when the error reports a store failure. An error from fn aborts
// without saving.
func (m *Manager) WithContext(ctx context.Context, sessionID, userID string, fn func(*ConversationContext) error) (*ConversationContext, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.Validation("session id is required")
	}
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		c, loadErr := m.GetContext(ctx, sessionID)
		if loadErr != nil {
			m.logger.Warn("session load failed, starting fresh context", "session_id", sessionID, "error", loadErr)
		}
		if c == nil {
			c = newContext(sessionID, userID, m.clock.Now().UTC())
		}
		if c.UserID == "" && userID != "" {
			c.UserID = userID
		}

		if err := fn(c); err != nil {
			return nil, err
		}

		err := m.SaveContext(ctx, c)
		if errors.Is(err, ErrVersionConflict) && attempt == 0 {
			m.metrics.ObserveSessionEvent("version_conflict")
			continue
		}
		if err != nil {
			return c, err
		}
		return c, loadErr
	}
}

// AddMessage appends one message to the session, creating it if needed.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, role Role, content, userID string) (*ConversationContext, error) {
	return m.WithContext(ctx, sessionID, userID, func(c *ConversationContext) error {
		c.Append(role, content, m.clock.Now().UnixMilli(), m.maxMessages)
		return nil
	})
}

// UpdatePreferences shallow-merges prefs into the session's preferences.
func (m *Manager) UpdatePreferences(ctx context.Context, sessionID string, prefs catalog.Preferences) (*ConversationContext, error) {
	return m.WithContext(ctx, sessionID, "", func(c *ConversationContext) error {
		c.Preferences = c.Preferences.Merge(prefs)
		return nil
	})
}

func (m *Manager) SetVoiceAuthenticated(ctx context.Context, sessionID string, authenticated bool) error {
	_, err := m.WithContext(ctx, sessionID, "", func(c *ConversationContext) error {
		c.VoiceAuthenticated = authenticated
		return nil
	})
	return err
}

// ClearContext deletes the session. Clearing an unknown session is not an error.
func (m *Manager) ClearContext(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	existed, err := m.backend.Delete(ctx, sessionID)
	if err != nil {
		m.metrics.ObserveExternalError("session_store")
		return apperr.External("session_store", err)
	}
	if existed {
		m.metrics.ObserveSessionEvent("cleared")
	}
	return nil
}

// StartJanitor purges expired sessions every interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := m.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if _, err := m.Sweep(ctx); err != nil {
					m.logger.Warn("session sweep failed", "error", err)
				}
			}
		}
	}()
}

// Sweep purges expired sessions once and returns how many were removed.
// It never takes per-session locks.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	expired, err := m.backend.Sweep(ctx, m.clock.Now())
	if err != nil {
		return 0, apperr.External("session_store", err)
	}

	m.hookMu.RLock()
	hooks := append([]func(string){}, m.onExpire...)
	m.hookMu.RUnlock()

	for _, id := range expired {
		m.metrics.ObserveSessionEvent("expired")
		for _, hook := range hooks {
			hook(id)
		}
	}
	return len(expired), nil
}
