// Package assistant is the service facade behind the HTTP and WebSocket
// surface. One chat turn flows through session state, the dialogue pipeline
// or the support router, sentiment scoring and escalation.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/catalog"
	"github.com/ent0n29/shopkeeper/internal/dialogue"
	"github.com/ent0n29/shopkeeper/internal/escalation"
	"github.com/ent0n29/shopkeeper/internal/history"
	"github.com/ent0n29/shopkeeper/internal/knowledge"
	"github.com/ent0n29/shopkeeper/internal/observability"
	"github.com/ent0n29/shopkeeper/internal/recommend"
	"github.com/ent0n29/shopkeeper/internal/sentiment"
	"github.com/ent0n29/shopkeeper/internal/session"
	"github.com/ent0n29/shopkeeper/internal/support"
)

const (
	PathDialogue = "dialogue"

	defaultMaxMessageChars = 2000
	transcriptMessages     = 8
	defaultProductLimit    = 5
)

// Deps are the collaborators of the service. Indexer may be nil when
// re-indexing is not offered.
type Deps struct {
	Sessions     *session.Manager
	Orchestrator *dialogue.Orchestrator
	Support      *support.Router
	Escalations  *escalation.Manager
	History      history.Store
	Recommender  *recommend.Engine
	Indexer      *knowledge.Indexer
}

type Options struct {
	MaxMessageChars int
	StoreTimeout    time.Duration
	Clock           clockz.Clock
	Metrics         *observability.Metrics
	Logger          *slog.Logger
}

type Service struct {
	deps Deps
	opts Options
}

func NewService(deps Deps, opts Options) *Service {
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = defaultMaxMessageChars
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
	if deps.History == nil {
		deps.History = history.NewInMemoryStore()
	}
	return &Service{deps: deps, opts: opts}
}

// TurnRequest is one inbound chat message. Support routes the message to
// the customer service router instead of the dialogue pipeline.
type TurnRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message"`
	Support   bool   `json:"support,omitempty"`
}

type TurnResponse struct {
	SessionID       string                 `json:"session_id"`
	Path            string                 `json:"path"`
	Response        string                 `json:"response"`
	Suggestions     []string               `json:"suggestions"`
	Recommendations []recommend.Scored     `json:"recommendations"`
	Categories      []catalog.Category     `json:"categories"`
	CartPreview     *catalog.Cart          `json:"cart_preview,omitempty"`
	Intent          string                 `json:"intent"`
	AuthRequired    bool                   `json:"auth_required,omitempty"`
	Order           *dialogue.OrderOutcome `json:"order,omitempty"`
	Sentiment       sentiment.Result       `json:"sentiment"`
	Escalated       bool                   `json:"escalated"`
	Ticket          *escalation.Ticket     `json:"ticket,omitempty"`
	SurveyRequested bool                   `json:"survey_requested,omitempty"`
	Degraded        []string               `json:"degraded,omitempty"`

	learned catalog.Preferences
}

func (s *Service) validate(req *TurnRequest) error {
	req.Message = strings.TrimSpace(req.Message)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Message == "" {
		return apperr.Validation("message is required")
	}
	if n := utf8.RuneCountInString(req.Message); n > s.opts.MaxMessageChars {
		return apperr.Validation("message is %d characters, limit is %d", n, s.opts.MaxMessageChars)
	}
	if !utf8.ValidString(req.Message) {
		return apperr.Validation("message is not valid UTF-8")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return nil
}

// HandleTurn answers one chat message. Validation errors are returned before
// any state changes; store and model failures degrade the reply instead.
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	if err := s.validate(&req); err != nil {
		return TurnResponse{}, err
	}
	ctx = observability.WithSessionID(ctx, req.SessionID)
	logger := observability.LoggerFromContext(ctx).With("component", "assistant")
	start := s.opts.Clock.Now()

	var (
		resp TurnResponse
		done bool
	)
	// The turn runs once; a version-conflict retry only re-applies its
	// result to the reloaded context.
	c, err := s.deps.Sessions.WithContext(ctx, req.SessionID, req.UserID, func(c *session.ConversationContext) error {
		if !done {
			if req.Support && s.deps.Support != nil {
				resp = s.supportTurn(ctx, req, c)
			} else {
				resp = s.dialogueTurn(ctx, req, c)
			}
			done = true
		}
		s.apply(c, req, resp)
		return nil
	})
	if err != nil {
		if c == nil {
			return TurnResponse{}, err
		}
		logger.Warn("session state not saved", "error", err)
		resp.Degraded = append(resp.Degraded, "session_store")
	}
	resp.SessionID = req.SessionID

	if resp.Path == PathDialogue {
		s.record(ctx, req, resp, logger)
	}
	s.opts.Metrics.ObserveTurn(resp.Path, resp.Intent, s.opts.Clock.Now().Sub(start))
	logger.Info("chat turn handled",
		"path", resp.Path,
		"intent", resp.Intent,
		"sentiment", resp.Sentiment.Sentiment,
		"escalated", resp.Escalated,
		"degraded", len(resp.Degraded),
	)
	return resp, nil
}

func (s *Service) dialogueTurn(ctx context.Context, req TurnRequest, c *session.ConversationContext) TurnResponse {
	out := s.deps.Orchestrator.Run(ctx, dialogue.Input{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Message:   req.Message,
		Context:   c.Clone(),
	})
	resp := TurnResponse{
		Path:            PathDialogue,
		Response:        out.Response,
		Suggestions:     out.Suggestions,
		Recommendations: out.Recommendations,
		Categories:      out.Categories,
		CartPreview:     out.CartPreview,
		Intent:          string(out.Intent),
		AuthRequired:    out.AuthRequired,
		Order:           out.Order,
		Sentiment:       sentiment.Analyze(req.Message),
		Degraded:        out.Degraded,
		learned:         out.Learned,
	}
	if resp.Sentiment.ShouldEscalate && s.deps.Escalations != nil {
		s.escalate(ctx, req, c, &resp)
	}
	return resp
}

func (s *Service) escalate(ctx context.Context, req TurnRequest, c *session.ConversationContext, resp *TurnResponse) {
	ticket, created, err := s.deps.Escalations.Create(ctx, escalation.Request{
		SessionID:  req.SessionID,
		UserID:     firstNonEmpty(req.UserID, c.UserID),
		Message:    req.Message,
		Sentiment:  resp.Sentiment,
		Transcript: transcript(c),
	})
	if err != nil && !errors.Is(err, apperr.ErrEscalationPersistence) {
		observability.LoggerFromContext(ctx).Error("escalation failed", "error", err)
		resp.Degraded = append(resp.Degraded, "escalation")
		return
	}
	if err != nil {
		resp.Degraded = append(resp.Degraded, "escalation_store")
	}
	resp.Escalated = true
	resp.Ticket = &ticket
	if created {
		resp.Response = "I'm sorry for the trouble. I've asked a member of our support team to take over this conversation; they'll be with you shortly. " + resp.Response
	}
}

func (s *Service) supportTurn(ctx context.Context, req TurnRequest, c *session.ConversationContext) TurnResponse {
	userID := firstNonEmpty(req.UserID, c.UserID)
	res, err := s.deps.Support.ProcessMessage(ctx, support.Request{
		Message:       req.Message,
		SessionID:     req.SessionID,
		UserID:        userID,
		Authenticated: c.VoiceAuthenticated,
		Transcript:    transcript(c),
	})
	if err != nil {
		// Input was validated already; anything left is unexpected.
		observability.LoggerFromContext(ctx).Error("support router failed", "error", err)
		return TurnResponse{
			Path:        support.PathSupport,
			Response:    "I'm sorry, something went wrong on our side. Please try again in a moment.",
			Suggestions: dialogue.DefaultSuggestions(dialogue.IntentSupport),
			Intent:      string(dialogue.IntentSupport),
			Sentiment:   sentiment.Analyze(req.Message),
			Degraded:    []string{"support"},
		}
	}
	return TurnResponse{
		Path:            support.PathSupport,
		Response:        res.Response,
		Suggestions:     dialogue.DefaultSuggestions(dialogue.IntentSupport),
		Recommendations: []recommend.Scored{},
		Categories:      []catalog.Category{},
		Intent:          res.Intent,
		AuthRequired:    res.AuthRequired,
		Sentiment:       res.Sentiment,
		Escalated:       res.Escalated,
		Ticket:          res.Ticket,
		SurveyRequested: res.SurveyRequested,
		Degraded:        res.Degraded,
	}
}

// apply writes the turn into the session context.
func (s *Service) apply(c *session.ConversationContext, req TurnRequest, resp TurnResponse) {
	now := s.opts.Clock.Now().UnixMilli()
	maxMessages := s.deps.Sessions.MaxMessages()
	c.Append(session.RoleUser, req.Message, now, maxMessages)
	c.Append(session.RoleAssistant, resp.Response, now, maxMessages)
	if resp.Path == PathDialogue {
		c.CurrentIntent = resp.Intent
	}
	if !resp.learned.IsZero() {
		c.Preferences = c.Preferences.Merge(resp.learned)
	}
	ids := make([]string, 0, len(resp.Recommendations))
	for _, r := range resp.Recommendations {
		ids = append(ids, r.ID)
	}
	c.AddSuggestedProducts(ids...)
	c.Suggestions = append([]string(nil), resp.Suggestions...)
}

func (s *Service) record(ctx context.Context, req TurnRequest, resp TurnResponse, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	err := s.deps.History.RecordInteraction(ctx, history.Interaction{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Path:      resp.Path,
		Intent:    resp.Intent,
		Sentiment: string(resp.Sentiment.Sentiment),
		Escalated: resp.Escalated,
		CreatedAt: s.opts.Clock.Now().UTC(),
	})
	if err != nil {
		s.opts.Metrics.ObserveExternalError("history")
		logger.Warn("interaction not recorded", "error", err)
	}
}

func transcript(c *session.ConversationContext) []string {
	msgs := c.RecentMessages(transcriptMessages)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Suggestions returns the follow-ups of the session's last turn, or starter
// suggestions for an unknown session.
func (s *Service) Suggestions(ctx context.Context, sessionID string) ([]string, error) {
	c, err := s.deps.Sessions.GetContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if c == nil || len(c.Suggestions) == 0 {
		return dialogue.DefaultSuggestions(dialogue.IntentGeneral), nil
	}
	return c.Suggestions, nil
}

// History returns the session's messages; an unknown session has none.
func (s *Service) History(ctx context.Context, sessionID string) ([]session.Message, error) {
	c, err := s.deps.Sessions.GetContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return []session.Message{}, nil
	}
	return c.Messages, nil
}

func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	return s.deps.Sessions.ClearContext(ctx, sessionID)
}

func (s *Service) Rate(ctx context.Context, sessionID, userID string, rating int) error {
	if s.deps.Support == nil {
		return errors.New("support router not configured")
	}
	return s.deps.Support.ProcessSatisfactionRating(ctx, rating, sessionID, userID)
}

// SetVoiceAuthenticated records the external voice verifier's verdict.
func (s *Service) SetVoiceAuthenticated(ctx context.Context, sessionID string, authenticated bool) error {
	if strings.TrimSpace(sessionID) == "" {
		return apperr.Validation("session id is required")
	}
	return s.deps.Sessions.SetVoiceAuthenticated(ctx, sessionID, authenticated)
}

func productLimit(limit int) int {
	if limit <= 0 {
		return defaultProductLimit
	}
	return limit
}

func (s *Service) TrendingProducts(ctx context.Context, limit int) ([]recommend.Scored, error) {
	return s.deps.Recommender.GetTrendingProducts(ctx, productLimit(limit))
}

func (s *Service) BudgetProducts(ctx context.Context, maxPrice float64, limit int) ([]recommend.Scored, error) {
	if maxPrice <= 0 {
		return nil, apperr.Validation("max_price must be positive")
	}
	return s.deps.Recommender.GetBudgetProducts(ctx, maxPrice, productLimit(limit))
}

func (s *Service) SimilarProducts(ctx context.Context, productID string, limit int) ([]recommend.Scored, error) {
	return s.deps.Recommender.GetSimilarProducts(ctx, productID, productLimit(limit))
}

func (s *Service) RecommendedProducts(ctx context.Context, userID string, limit int) ([]recommend.Scored, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("user id is required")
	}
	return s.deps.Recommender.RecommendProducts(ctx, userID, productLimit(limit))
}

func (s *Service) Reindex(ctx context.Context) (knowledge.ReindexReport, error) {
	if s.deps.Indexer == nil {
		return knowledge.ReindexReport{}, errors.New("knowledge indexer not configured")
	}
	return s.deps.Indexer.ReindexAll(ctx)
}

func (s *Service) Statistics(ctx context.Context) (escalation.Statistics, error) {
	return s.deps.Escalations.GetStatistics(ctx)
}

func (s *Service) ActiveTickets(ctx context.Context, limit int) ([]escalation.Ticket, error) {
	return s.deps.Escalations.GetActiveTickets(ctx, limit)
}

func (s *Service) UpdateTicket(ctx context.Context, ticketID string, upd escalation.Update) (escalation.Ticket, error) {
	return s.deps.Escalations.UpdateTicket(ctx, ticketID, upd)
}

func (s *Service) DeliveryGaps() []escalation.DeliveryGap {
	return s.deps.Escalations.DeliveryGaps()
}

func (s *Service) NodeLatency() observability.NodeLatencySnapshot {
	return s.opts.Metrics.NodeSnapshot()
}

func (s *Service) ResetNodeLatency() {
	s.opts.Metrics.ResetNodeWindow()
}
