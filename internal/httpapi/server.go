package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/assistant"
	"github.com/ent0n29/shopkeeper/internal/config"
	"github.com/ent0n29/shopkeeper/internal/escalation"
	"github.com/ent0n29/shopkeeper/internal/knowledge"
	"github.com/ent0n29/shopkeeper/internal/observability"
	"github.com/ent0n29/shopkeeper/internal/recommend"
	"github.com/ent0n29/shopkeeper/internal/session"
)

// Assistant is the service the HTTP surface exposes.
type Assistant interface {
	HandleTurn(ctx context.Context, req assistant.TurnRequest) (assistant.TurnResponse, error)
	Suggestions(ctx context.Context, sessionID string) ([]string, error)
	History(ctx context.Context, sessionID string) ([]session.Message, error)
	ClearHistory(ctx context.Context, sessionID string) error
	Rate(ctx context.Context, sessionID, userID string, rating int) error
	SetVoiceAuthenticated(ctx context.Context, sessionID string, authenticated bool) error

	TrendingProducts(ctx context.Context, limit int) ([]recommend.Scored, error)
	BudgetProducts(ctx context.Context, maxPrice float64, limit int) ([]recommend.Scored, error)
	SimilarProducts(ctx context.Context, productID string, limit int) ([]recommend.Scored, error)
	RecommendedProducts(ctx context.Context, userID string, limit int) ([]recommend.Scored, error)

	Reindex(ctx context.Context) (knowledge.ReindexReport, error)
	Statistics(ctx context.Context) (escalation.Statistics, error)
	ActiveTickets(ctx context.Context, limit int) ([]escalation.Ticket, error)
	UpdateTicket(ctx context.Context, ticketID string, upd escalation.Update) (escalation.Ticket, error)
	DeliveryGaps() []escalation.DeliveryGap
	NodeLatency() observability.NodeLatencySnapshot
	ResetNodeLatency()
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Server struct {
	cfg      config.Config
	svc      Assistant
	metrics  *observability.Metrics
	ready    map[string]ReadyCheck
	upgrader websocket.Upgrader
}

func New(cfg config.Config, svc Assistant, metrics *observability.Metrics, ready map[string]ReadyCheck) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		metrics: metrics,
		ready:   ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(withRequestLogging)
	r.Use(middleware.Recoverer)
	if s.cfg.AllowAnyOrigin {
		r.Use(withCORS)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/chat", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Get("/ws", s.handleChatWS)
		r.Get("/sessions/{id}/suggestions", s.handleSuggestions)
		r.Get("/sessions/{id}/history", s.handleGetHistory)
		r.Delete("/sessions/{id}/history", s.handleClearHistory)
		r.Post("/sessions/{id}/rating", s.handleRating)
		r.Post("/sessions/{id}/voice-auth", s.handleVoiceAuth)
	})

	r.Get("/v1/products/trending", s.handleTrending)
	r.Get("/v1/products/budget", s.handleBudget)
	r.Get("/v1/products/{id}/similar", s.handleSimilar)
	r.Get("/v1/users/{id}/recommendations", s.handleRecommended)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Post("/reindex", s.handleReindex)
		r.Get("/stats", s.handleStats)
		r.Get("/tickets", s.handleListTickets)
		r.Patch("/tickets/{id}", s.handleUpdateTicket)
		r.Get("/delivery-gaps", s.handleDeliveryGaps)
		r.Get("/perf", s.handlePerfLatency)
		r.Post("/perf/reset", s.handlePerfReset)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.ready))
	status := http.StatusOK
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "degraded"
	}
	respondJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := observability.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		observability.LoggerFromContext(ctx).Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondServiceError maps service errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, apperr.ErrAuthRequired):
		respondError(w, http.StatusUnauthorized, "auth_required", err.Error())
	case errors.Is(err, apperr.ErrExternalService):
		observability.LoggerFromContext(r.Context()).Warn("dependency unavailable", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusServiceUnavailable, "dependency_unavailable", "a backing service is unavailable")
	default:
		observability.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", key)
	}
	return v, nil
}
