package session

import (
	"sort"
	"time"

	"github.com/ent0n29/shopkeeper/internal/catalog"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role        Role   `json:"role"`
	Content     string `json:"content"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// ConversationContext is the dialogue state of one session.
type ConversationContext struct {
	SessionID           string              `json:"session_id"`
	UserID              string              `json:"user_id,omitempty"`
	Messages            []Message           `json:"messages"`
	Preferences         catalog.Preferences `json:"preferences"`
	CurrentIntent       string              `json:"current_intent,omitempty"`
	SuggestedProductIDs []string            `json:"suggested_product_ids,omitempty"`
	Suggestions         []string            `json:"suggestions,omitempty"`
	VoiceAuthenticated  bool                `json:"voice_authenticated"`
	Version             int64               `json:"version"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

func newContext(sessionID, userID string, now time.Time) *ConversationContext {
	return &ConversationContext{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message, keeping at most maxMessages of the most recent ones.
// A timestamp older than the last message is raised to it.
func (c *ConversationContext) Append(role Role, content string, tsMS int64, maxMessages int) {
	if n := len(c.Messages); n > 0 && tsMS < c.Messages[n-1].TimestampMS {
		tsMS = c.Messages[n-1].TimestampMS
	}
	c.Messages = append(c.Messages, Message{Role: role, Content: content, TimestampMS: tsMS})
	c.truncate(maxMessages)
}

func (c *ConversationContext) truncate(maxMessages int) {
	if maxMessages > 0 && len(c.Messages) > maxMessages {
		drop := len(c.Messages) - maxMessages
		c.Messages = append([]Message(nil), c.Messages[drop:]...)
	}
}

// LastUserMessage returns the most recent user message, or "".
func (c *ConversationContext) LastUserMessage() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i].Content
		}
	}
	return ""
}

// RecentMessages returns up to n trailing messages.
func (c *ConversationContext) RecentMessages(n int) []Message {
	if n <= 0 || n >= len(c.Messages) {
		return append([]Message(nil), c.Messages...)
	}
	return append([]Message(nil), c.Messages[len(c.Messages)-n:]...)
}

// AddSuggestedProducts adds ids to the suggested set.
func (c *ConversationContext) AddSuggestedProducts(ids ...string) {
	set := make(map[string]struct{}, len(c.SuggestedProductIDs)+len(ids))
	for _, id := range c.SuggestedProductIDs {
		set[id] = struct{}{}
	}
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	c.SuggestedProductIDs = out
}

func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	out.Preferences = c.Preferences.Clone()
	out.SuggestedProductIDs = append([]string(nil), c.SuggestedProductIDs...)
	out.Suggestions = append([]string(nil), c.Suggestions...)
	return &out
}
