package session

import (
	"context"
	"errors"
	"time"
)

var ErrVersionConflict = errors.New("session version conflict")

// Backend persists conversation contexts with an idle TTL.
type Backend interface {
	// Load returns nil, nil when the session is absent or expired. A hit
	// slides the expiry.
	Load(ctx context.Context, sessionID string) (*ConversationContext, error)
	// Save stores c if its Version matches the stored one, increments
	// Version and resets the TTL.
	Save(ctx context.Context, c *ConversationContext) error
	Delete(ctx context.Context, sessionID string) (bool, error)
	// Sweep purges expired sessions and returns their ids.
	Sweep(ctx context.Context, now time.Time) ([]string, error)
	Close() error
}
