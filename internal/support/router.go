// Package support answers customer service traffic from canned templates,
// a language model fallback and human escalation.
package support

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/escalation"
	"github.com/ent0n29/shopkeeper/internal/history"
	"github.com/ent0n29/shopkeeper/internal/llm"
	"github.com/ent0n29/shopkeeper/internal/observability"
	"github.com/ent0n29/shopkeeper/internal/sentiment"
)

const (
	PathSupport = "support"

	apologyResponse = "I'm sorry, I can't answer that right now. A member of our support team can help if you ask for a human agent."
	authResponse    = "I can help with that once you've verified your identity. Please complete voice verification or sign in, then ask again."
	surveyPrompt    = "How would you rate your experience so far, from 1 (poor) to 5 (excellent)?"
	supportSystem   = "You are a calm customer support agent for an online shop. Answer in at most three sentences. If you are unsure, offer to connect a human agent."
)

// Escalator opens handoff tickets.
type Escalator interface {
	Create(ctx context.Context, req escalation.Request) (escalation.Ticket, bool, error)
}

type Options struct {
	Templates []Template
	// SurveyEvery asks for a rating after this many resolved interactions.
	SurveyEvery  int
	LLMTimeout   time.Duration
	StoreTimeout time.Duration
	Clock        clockz.Clock
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

type Request struct {
	Message       string `json:"message"`
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id,omitempty"`
	Authenticated bool   `json:"authenticated"`
	// Transcript is recent conversation text for ticket summaries.
	Transcript []string `json:"-"`
}

type Result struct {
	Response        string             `json:"response"`
	Template        string             `json:"template,omitempty"`
	Intent          string             `json:"intent"`
	Sentiment       sentiment.Result   `json:"sentiment"`
	RuleBased       bool               `json:"rule_based"`
	AuthRequired    bool               `json:"auth_required,omitempty"`
	Escalated       bool               `json:"escalated"`
	Ticket          *escalation.Ticket `json:"ticket,omitempty"`
	SurveyRequested bool               `json:"survey_requested,omitempty"`
	Degraded        []string           `json:"degraded,omitempty"`
}

type Router struct {
	templates []Template
	escalator Escalator
	history   history.Store
	llm       llm.Adapter
	opts      Options
	logger    *slog.Logger
}

func NewRouter(escalator Escalator, hist history.Store, adapter llm.Adapter, opts Options) *Router {
	if opts.Templates == nil {
		opts.Templates = DefaultTemplates()
	}
	if opts.SurveyEvery <= 0 {
		opts.SurveyEvery = 3
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 15 * time.Second
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
	if hist == nil {
		hist = history.NewInMemoryStore()
	}
	if adapter == nil {
		adapter = llm.NewMockAdapter()
	}
	return &Router{
		templates: opts.Templates,
		escalator: escalator,
		history:   hist,
		llm:       adapter,
		opts:      opts,
		logger:    opts.Logger.With("component", "support"),
	}
}

// FindMatchingTemplate returns the highest-priority template matching message.
func (r *Router) FindMatchingTemplate(message string) (Template, bool) {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return Template{}, false
	}
	for _, t := range r.templates {
		if t.matches(lower) {
			return t, true
		}
	}
	return Template{}, false
}

// ProcessMessage answers one support message. Sentiment is always attached;
// a ticket is opened when the sentiment or template calls for a human.
func (r *Router) ProcessMessage(ctx context.Context, req Request) (Result, error) {
	req.Message = strings.TrimSpace(req.Message)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.Message == "" {
		return Result{}, apperr.Validation("message is required")
	}
	if req.SessionID == "" {
		return Result{}, apperr.Validation("session id is required")
	}
	logger := observability.LoggerFromContext(ctx).With("component", "support", "session_id", req.SessionID)
	start := r.opts.Clock.Now()

	res := Result{Intent: PathSupport, Sentiment: sentiment.Analyze(req.Message)}
	tpl, matched := r.FindMatchingTemplate(req.Message)
	switch {
	case matched && tpl.RequiresAuth && !req.Authenticated:
		res.Template, res.Intent = tpl.Name, tpl.Intent
		res.Response, res.RuleBased, res.AuthRequired = authResponse, true, true
	case matched:
		res.Template, res.Intent = tpl.Name, tpl.Intent
		res.Response, res.RuleBased = tpl.Response, true
	default:
		text, err := r.generate(ctx, req)
		if err != nil {
			logger.Warn("support generation failed", "error", err)
			res.Degraded = append(res.Degraded, "llm")
			text = apologyResponse
		}
		res.Response = text
	}

	if r.shouldEscalate(res.Sentiment, tpl, matched) {
		r.escalate(ctx, req, &res, logger)
	}

	r.record(ctx, req, &res, logger)
	if res.RuleBased && !res.Escalated && !res.AuthRequired {
		r.maybeSurvey(ctx, req.SessionID, &res, logger)
	}

	r.opts.Metrics.ObserveTurn(PathSupport, res.Intent, r.opts.Clock.Now().Sub(start))
	return res, nil
}

func (r *Router) shouldEscalate(s sentiment.Result, tpl Template, matched bool) bool {
	if s.ShouldEscalate {
		return true
	}
	if !matched || !tpl.EscalationPossible {
		return false
	}
	// Handoff requests always reach a person; other templates only when the
	// customer is upset.
	return tpl.Intent == "handoff" || s.Sentiment.Severity() >= sentiment.Negative.Severity()
}

func (r *Router) escalate(ctx context.Context, req Request, res *Result, logger *slog.Logger) {
	if r.escalator == nil {
		return
	}
	ticket, created, err := r.escalator.Create(ctx, escalation.Request{
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Message:    req.Message,
		Sentiment:  res.Sentiment,
		Transcript: req.Transcript,
	})
	switch {
	case err == nil, errors.Is(err, apperr.ErrEscalationPersistence):
		if err != nil {
			logger.Error("escalation ticket not persisted", "ticket_id", ticket.ID, "error", err)
			res.Degraded = append(res.Degraded, "escalation_store")
		}
	default:
		logger.Error("escalation failed", "error", err)
		res.Degraded = append(res.Degraded, "escalation")
		return
	}

	res.Escalated = true
	res.Ticket = &ticket
	if created {
		res.Response = fmt.Sprintf("%s I've passed your conversation to our support team (ticket %s, %s priority).",
			res.Response, shortID(ticket.ID), ticket.Priority)
	} else {
		res.Response = fmt.Sprintf("%s Your case is already with our support team (ticket %s).", res.Response, shortID(ticket.ID))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (r *Router) generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.LLMTimeout)
	defer cancel()
	prompt := llm.Prompt{
		SessionID: req.SessionID,
		Intent:    PathSupport,
		System:    supportSystem,
		Input:     req.Message,
	}
	resp, err := r.llm.Generate(ctx, prompt, nil)
	if err != nil {
		r.opts.Metrics.ObserveExternalError("llm")
		return "", apperr.External("llm", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", apperr.External("llm", errors.New("empty completion"))
	}
	return text, nil
}

func (r *Router) record(ctx context.Context, req Request, res *Result, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	err := r.history.RecordInteraction(ctx, history.Interaction{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Path:      PathSupport,
		Intent:    res.Intent,
		Sentiment: string(res.Sentiment.Sentiment),
		Escalated: res.Escalated,
		Resolved:  res.RuleBased && !res.AuthRequired,
		CreatedAt: r.opts.Clock.Now().UTC(),
	})
	if err != nil {
		logger.Warn("interaction not recorded", "error", err)
		res.Degraded = append(res.Degraded, "history")
	}
}

func (r *Router) maybeSurvey(ctx context.Context, sessionID string, res *Result, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	rated, err := r.history.HasRating(ctx, sessionID)
	if err != nil || rated {
		if err != nil {
			logger.Warn("rating lookup failed", "error", err)
		}
		return
	}
	n, err := r.history.ResolvedCount(ctx, sessionID)
	if err != nil {
		logger.Warn("resolved count failed", "error", err)
		return
	}
	if n > 0 && n%r.opts.SurveyEvery == 0 {
		res.SurveyRequested = true
		res.Response += "\n\n" + surveyPrompt
	}
}

// ProcessSatisfactionRating stores a 1-5 rating for the session. A rated
// session is not surveyed again.
func (r *Router) ProcessSatisfactionRating(ctx context.Context, rating int, sessionID, userID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return apperr.Validation("session id is required")
	}
	if rating < 1 || rating > 5 {
		return apperr.Validation("rating must be between 1 and 5, got %d", rating)
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	err := r.history.RecordRating(ctx, history.Rating{
		SessionID: sessionID,
		UserID:    strings.TrimSpace(userID),
		Rating:    rating,
		CreatedAt: r.opts.Clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record rating: %w", err)
	}
	r.logger.Info("satisfaction rating recorded", "session_id", sessionID, "rating", rating)
	return nil
}
