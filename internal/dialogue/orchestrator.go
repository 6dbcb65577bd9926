// Package dialogue runs one chat turn through a fixed table of nodes.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/shopkeeper/internal/catalog"
	"github.com/ent0n29/shopkeeper/internal/knowledge"
	"github.com/ent0n29/shopkeeper/internal/llm"
	"github.com/ent0n29/shopkeeper/internal/observability"
	"github.com/ent0n29/shopkeeper/internal/recommend"
)

// Node names.
const (
	NodeExtractQuery           = "extract_query"
	NodeClassifyIntent         = "classify_intent"
	NodeExtractShoppingDetails = "extract_shopping_details"
	NodeVerifyVoiceSecurity    = "verify_voice_security"
	NodeHandleOrderActions     = "handle_order_actions"
	NodeExtractPreferences     = "extract_preferences"
	NodeRetrieveContext        = "retrieve_context"
	NodeEnrichUserContext      = "enrich_user_context"
	NodeGetRecommendations     = "get_recommendations"
	NodeGenerateResponse       = "generate_response"
	NodeGenerateSuggestions    = "generate_suggestions"

	stateEnd = "end"
	maxSteps = 16
)

type KnowledgeSearcher interface {
	SearchSimilar(ctx context.Context, query string, limit int, filter knowledge.Filter) ([]knowledge.SearchResult, error)
}

type Recommender interface {
	GetUserPreferences(ctx context.Context, userID string) (catalog.Preferences, error)
	RecommendForPreferences(ctx context.Context, prefs catalog.Preferences, limit int) ([]recommend.Scored, error)
	GetBudgetProducts(ctx context.Context, maxPrice float64, limit int) ([]recommend.Scored, error)
}

// Deps are the orchestrator's collaborators. Orders and Carts may be nil.
type Deps struct {
	Knowledge   KnowledgeSearcher
	Recommender Recommender
	Catalog     catalog.Catalog
	Orders      catalog.OrderActions
	Carts       catalog.CartReader
	LLM         llm.Adapter
}

type Options struct {
	CatalogTimeout  time.Duration
	LLMTimeout      time.Duration
	HistoryMessages int
	MaxRecommended  int
	Metrics         *observability.Metrics
	Logger          *slog.Logger
}

type node struct {
	run func(ctx context.Context, t *Turn) error
	// fallback fills the node's contribution after a failure; nil means the
	// zero value is the default.
	fallback func(t *Turn)
	next     func(t *Turn) string
}

type Orchestrator struct {
	deps  Deps
	opts  Options
	nodes map[string]node
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.CatalogTimeout <= 0 {
		opts.CatalogTimeout = 2 * time.Second
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 15 * time.Second
	}
	if opts.HistoryMessages <= 0 {
		opts.HistoryMessages = 6
	}
	if opts.MaxRecommended <= 0 {
		opts.MaxRecommended = 4
	}
	if opts.Logger == nil {
		opts.Logger = observability.Logger()
	}
	if deps.LLM == nil {
		deps.LLM = llm.NewMockAdapter()
	}
	o := &Orchestrator{deps: deps, opts: opts}
	o.nodes = o.table()
	return o
}

func goTo(state string) func(*Turn) string {
	return func(*Turn) string { return state }
}

func (o *Orchestrator) table() map[string]node {
	return map[string]node{
		NodeExtractQuery: {
			run:      o.extractQuery,
			fallback: func(t *Turn) { t.Query = strings.TrimSpace(t.Message) },
			next:     goTo(NodeClassifyIntent),
		},
		NodeClassifyIntent: {
			run:      o.classifyIntent,
			fallback: func(t *Turn) { t.Intent = IntentGeneral },
			next: func(t *Turn) string {
				switch t.Intent {
				case IntentShopping:
					return NodeExtractShoppingDetails
				case IntentOrderStatus, IntentOrderAction:
					return NodeVerifyVoiceSecurity
				default:
					return NodeExtractPreferences
				}
			},
		},
		NodeExtractShoppingDetails: {
			run:  o.extractShoppingDetails,
			next: goTo(NodeRetrieveContext),
		},
		NodeVerifyVoiceSecurity: {
			run: o.verifyVoiceSecurity,
			// Fail closed.
			fallback: func(t *Turn) { t.AuthRequired = true },
			next: func(t *Turn) string {
				if t.AuthRequired {
					return NodeGenerateResponse
				}
				return NodeHandleOrderActions
			},
		},
		NodeHandleOrderActions: {
			run: o.handleOrderActions,
			fallback: func(t *Turn) {
				if t.Order == nil {
					t.Order = &OrderOutcome{Action: "lookup", Detail: "I couldn't reach the order system just now."}
				}
			},
			next: goTo(NodeRetrieveContext),
		},
		NodeExtractPreferences: {
			run:  o.extractPreferences,
			next: goTo(NodeRetrieveContext),
		},
		NodeRetrieveContext: {
			run:  o.retrieveContext,
			next: goTo(NodeEnrichUserContext),
		},
		NodeEnrichUserContext: {
			run:      o.enrichUserContext,
			fallback: func(t *Turn) { t.Preferences = t.SessionPrefs.Merge(t.Learned) },
			next:     goTo(NodeGetRecommendations),
		},
		NodeGetRecommendations: {
			run:  o.getRecommendations,
			next: goTo(NodeGenerateResponse),
		},
		NodeGenerateResponse: {
			run:      o.generateResponse,
			fallback: func(t *Turn) { t.Response, t.RuleBased = composeResponse(t), true },
			next:     goTo(NodeGenerateSuggestions),
		},
		NodeGenerateSuggestions: {
			run:      o.generateSuggestions,
			fallback: func(t *Turn) { t.Suggestions = DefaultSuggestions(t.Intent) },
			next:     goTo(stateEnd),
		},
	}
}

// Run executes one turn. It always returns a reply; failed nodes are listed
// in Output.Degraded.
func (o *Orchestrator) Run(ctx context.Context, in Input) Output {
	t := newTurn(in, o.opts.HistoryMessages)
	logger := observability.LoggerFromContext(ctx).With("component", "dialogue")
	turnStart := time.Now()

	state := NodeExtractQuery
	for steps := 0; state != stateEnd; steps++ {
		if steps >= maxSteps {
			t.Degraded = append(t.Degraded, "step_cap")
			logger.Error("dialogue step cap reached", "state", state)
			break
		}
		n, ok := o.nodes[state]
		if !ok {
			t.Degraded = append(t.Degraded, "unknown_node:"+state)
			logger.Error("dialogue node missing", "state", state)
			break
		}

		start := time.Now()
		err := runNode(ctx, n, t)
		o.opts.Metrics.ObserveNode(state, time.Since(start), err != nil)
		if err != nil {
			t.Degraded = append(t.Degraded, state)
			logger.Warn("dialogue node degraded", "node", state, "intent", t.Intent, "error", err)
			if n.fallback != nil {
				n.fallback(t)
			}
		}
		state = n.next(t)
	}

	if strings.TrimSpace(t.Response) == "" {
		t.Response, t.RuleBased = composeResponse(t), true
	}
	if t.Suggestions == nil {
		t.Suggestions = DefaultSuggestions(t.Intent)
	}
	logger.Debug("dialogue turn finished",
		"intent", t.Intent,
		"degraded", len(t.Degraded),
		"duration_ms", time.Since(turnStart).Milliseconds(),
	)
	return t.output()
}

func runNode(ctx context.Context, n node, t *Turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panic: %v", r)
		}
	}()
	return n.run(ctx, t)
}

func newTurn(in Input, historyMessages int) *Turn {
	t := &Turn{
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Message:   in.Message,
	}
	if c := in.Context; c != nil {
		t.History = c.RecentMessages(historyMessages)
		t.PreviousIntent = Intent(c.CurrentIntent)
		t.VoiceAuthenticated = c.VoiceAuthenticated
		t.SessionPrefs = c.Preferences.Clone()
		if t.UserID == "" {
			t.UserID = c.UserID
		}
	}
	return t
}
