package dialogue

import (
	"github.com/ent0n29/shopkeeper/internal/catalog"
	"github.com/ent0n29/shopkeeper/internal/knowledge"
	"github.com/ent0n29/shopkeeper/internal/policy"
	"github.com/ent0n29/shopkeeper/internal/recommend"
	"github.com/ent0n29/shopkeeper/internal/session"
)

// Input is what one turn starts from. Context is read, never written.
type Input struct {
	SessionID string
	UserID    string
	Message   string
	Context   *session.ConversationContext
}

// OrderOutcome describes what happened on the order path.
type OrderOutcome struct {
	Action    string          `json:"action"`
	OrderID   string          `json:"order_id,omitempty"`
	Orders    []catalog.Order `json:"orders,omitempty"`
	Performed bool            `json:"performed"`
	Detail    string          `json:"detail"`
}

// Turn accumulates node results while the driver walks the table.
type Turn struct {
	SessionID          string
	UserID             string
	Message            string
	Query              string
	History            []session.Message
	PreviousIntent     Intent
	VoiceAuthenticated bool
	SessionPrefs       catalog.Preferences

	Intent       Intent
	Access       policy.AccessDecision
	AuthRequired bool

	Details         ShoppingDetails
	Learned         catalog.Preferences
	Preferences     catalog.Preferences
	allCategories   []catalog.Category
	Categories      []catalog.Category
	Cart            *catalog.Cart
	Order           *OrderOutcome
	Knowledge       []knowledge.SearchResult
	Recommendations []recommend.Scored

	Response    string
	RuleBased   bool
	Suggestions []string
	Degraded    []string
}

// Output is the assistant payload for one turn.
type Output struct {
	Response        string              `json:"response"`
	Suggestions     []string            `json:"suggestions"`
	Recommendations []recommend.Scored  `json:"recommendations"`
	Categories      []catalog.Category  `json:"categories"`
	CartPreview     *catalog.Cart       `json:"cart_preview,omitempty"`
	Intent          Intent              `json:"intent"`
	AuthRequired    bool                `json:"auth_required,omitempty"`
	Order           *OrderOutcome       `json:"order,omitempty"`
	Learned         catalog.Preferences `json:"-"`
	RuleBased       bool                `json:"-"`
	Degraded        []string            `json:"degraded,omitempty"`
}

func (t *Turn) output() Output {
	out := Output{
		Response:        t.Response,
		Suggestions:     nonNil(t.Suggestions),
		Recommendations: t.Recommendations,
		Categories:      t.Categories,
		CartPreview:     t.Cart,
		Intent:          t.Intent,
		AuthRequired:    t.AuthRequired,
		Order:           t.Order,
		Learned:         t.Learned,
		RuleBased:       t.RuleBased,
		Degraded:        t.Degraded,
	}
	if out.Recommendations == nil {
		out.Recommendations = []recommend.Scored{}
	}
	if out.Categories == nil {
		out.Categories = []catalog.Category{}
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
