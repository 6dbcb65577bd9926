package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ent0n29/shopkeeper/internal/assistant"
	"github.com/ent0n29/shopkeeper/internal/config"
	"github.com/ent0n29/shopkeeper/internal/dialogue"
	"github.com/ent0n29/shopkeeper/internal/escalation"
	"github.com/ent0n29/shopkeeper/internal/history"
	"github.com/ent0n29/shopkeeper/internal/httpapi"
	"github.com/ent0n29/shopkeeper/internal/knowledge"
	"github.com/ent0n29/shopkeeper/internal/llm"
	"github.com/ent0n29/shopkeeper/internal/observability"
	"github.com/ent0n29/shopkeeper/internal/recommend"
	"github.com/ent0n29/shopkeeper/internal/session"
	"github.com/ent0n29/shopkeeper/internal/support"
)

// BackendInfo names the backend picked for each pluggable concern.
type BackendInfo struct {
	Sessions  string
	Vectors   string
	Embedding string
	Catalog   string
	LLMMode   string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Service  *assistant.Service
	Metrics  *observability.Metrics
	Backends BackendInfo

	knowledge *knowledge.Store
	indexer   *knowledge.Indexer

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// IndexIfEmpty starts a background knowledge build when the vector backend
// is empty.
func (b *BuildResult) IndexIfEmpty(ctx context.Context, logger *slog.Logger) {
	maybeIndexOnStartup(ctx, b.knowledge, b.indexer, logger)
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	logger := observability.Logger()

	var closers []io.Closer
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = closeAll()
		return nil, err
	}

	hist, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}
	closers = append(closers, hist)

	ticketStore, err := escalation.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("ticket store init failed: %w", err))
	}
	closers = append(closers, ticketStore)

	adapter, err := llm.NewAdapter(llm.Config{
		Mode:    cfg.LLMMode,
		HTTPURL: cfg.LLMHTTPURL,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})
	if err != nil {
		return fail(fmt.Errorf("llm adapter init failed: %w", err))
	}

	sessionBackend, sessionName, err := resolveSessionBackend(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, sessionBackend)

	vectors, vectorName, err := resolveVectorBackend(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, vectors)

	shop, catalogName, err := resolveCatalog(cfg)
	if err != nil {
		return fail(err)
	}

	embedder, embedderName := resolveEmbedder(cfg)
	store := knowledge.NewStore(embedder, vectors, knowledge.Options{
		EmbedTimeout:  cfg.EmbeddingTimeout,
		SearchTimeout: cfg.SearchTimeout,
		Metrics:       metrics,
	})
	indexer := knowledge.NewIndexer(store, shop)
	engine := recommend.NewEngine(shop, cfg.StoreTimeout)

	sessions := session.NewManager(sessionBackend, session.Options{
		MaxMessages:  cfg.SessionMaxMessages,
		StoreTimeout: cfg.StoreTimeout,
		Metrics:      metrics,
	})
	sessions.OnExpire(func(sessionID string) {
		logger.Debug("session expired", "session_id", sessionID)
	})

	escalations := escalation.NewManager(ticketStore, escalation.Options{
		StoreTimeout: cfg.StoreTimeout,
		History:      hist,
		Metrics:      metrics,
	})

	orchestrator := dialogue.NewOrchestrator(dialogue.Deps{
		Knowledge:   store,
		Recommender: engine,
		Catalog:     shop,
		Orders:      shop,
		Carts:       shop,
		LLM:         adapter,
	}, dialogue.Options{
		CatalogTimeout: cfg.StoreTimeout,
		LLMTimeout:     cfg.LLMTimeout,
		Metrics:        metrics,
	})

	router := support.NewRouter(escalations, hist, adapter, support.Options{
		SurveyEvery:  cfg.SurveyEvery,
		LLMTimeout:   cfg.LLMTimeout,
		StoreTimeout: cfg.StoreTimeout,
		Metrics:      metrics,
	})

	svc := assistant.NewService(assistant.Deps{
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Support:      router,
		Escalations:  escalations,
		History:      hist,
		Recommender:  engine,
		Indexer:      indexer,
	}, assistant.Options{
		MaxMessageChars: cfg.MaxMessageChars,
		StoreTimeout:    cfg.StoreTimeout,
		Metrics:         metrics,
	})

	ready := map[string]httpapi.ReadyCheck{
		"sessions": func(ctx context.Context) error {
			_, err := sessionBackend.Load(ctx, "readyz-probe")
			return err
		},
		"knowledge": func(ctx context.Context) error {
			_, err := vectors.Count(ctx, nil)
			return err
		},
		"history": func(ctx context.Context) error {
			_, err := hist.Summary(ctx)
			return err
		},
	}

	return &BuildResult{
		Config:   cfg,
		API:      httpapi.New(cfg, svc, metrics, ready),
		Sessions: sessions,
		Service:  svc,
		Metrics:  metrics,
		Backends: BackendInfo{
			Sessions:  sessionName,
			Vectors:   vectorName,
			Embedding: embedderName,
			Catalog:   catalogName,
			LLMMode:   cfg.LLMMode,
		},
		knowledge: store,
		indexer:   indexer,
		Cleanup:   closeAll,
	}, nil
}
