package knowledge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/embedding"
	"github.com/ent0n29/shopkeeper/internal/observability"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
	embedParallelism   = 4
)

type Options struct {
	EmbedTimeout  time.Duration
	SearchTimeout time.Duration
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

// Store embeds text and keeps it in a similarity Backend.
type Store struct {
	embedder embedding.Embedder
	backend  Backend

	embedTimeout  time.Duration
	searchTimeout time.Duration
	metrics       *observability.Metrics
	logger        *slog.Logger
}

func NewStore(embedder embedding.Embedder, backend Backend, opts Options) *Store {
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 5 * time.Second
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.Logger()
	}
	return &Store{
		embedder:      embedder,
		backend:       backend,
		embedTimeout:  opts.EmbedTimeout,
		searchTimeout: opts.SearchTimeout,
		metrics:       opts.Metrics,
		logger:        opts.Logger.With("component", "knowledge"),
	}
}

// GenerateEmbedding embeds text under the embedding timeout.
func (s *Store) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Validation("text is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.embedTimeout)
	defer cancel()

	v, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.metrics.ObserveExternalError("embedding")
		return nil, apperr.External("embedding", err)
	}
	return v, nil
}

func (s *Store) StoreDocument(ctx context.Context, text string, metadata map[string]string) (string, error) {
	v, err := s.GenerateEmbedding(ctx, text)
	if err != nil {
		return "", err
	}
	doc := Document{
		ID:        DocumentID(metadata),
		Text:      text,
		Embedding: v,
		Metadata:  cloneMeta(metadata),
	}
	if err := s.upsert(ctx, []Document{doc}); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// BatchStoreDocuments embeds inputs in parallel and writes every entry that
// embedded successfully. When any entry fails the returned ids hold "" at its
// index and the error is a *BatchError.
func (s *Store) BatchStoreDocuments(ctx context.Context, inputs []DocumentInput) ([]string, error) {
	ids := make([]string, len(inputs))
	docs := make([]*Document, len(inputs))
	failures := make([]error, len(inputs))

	var g errgroup.Group
	g.SetLimit(embedParallelism)
	for i, in := range inputs {
		g.Go(func() error {
			v, err := s.GenerateEmbedding(ctx, in.Text)
			if err != nil {
				failures[i] = err
				return nil
			}
			docs[i] = &Document{
				ID:        DocumentID(in.Metadata),
				Text:      in.Text,
				Embedding: v,
				Metadata:  cloneMeta(in.Metadata),
			}
			return nil
		})
	}
	_ = g.Wait()

	ready := make([]Document, 0, len(inputs))
	readyIdx := make([]int, 0, len(inputs))
	for i, d := range docs {
		if d != nil {
			ready = append(ready, *d)
			readyIdx = append(readyIdx, i)
		}
	}
	if len(ready) > 0 {
		if err := s.upsert(ctx, ready); err != nil {
			for _, i := range readyIdx {
				failures[i] = err
			}
		} else {
			for _, i := range readyIdx {
				ids[i] = docs[i].ID
			}
		}
	}

	batchErr := &BatchError{Total: len(inputs), Failed: make(map[int]error)}
	for i, err := range failures {
		if err != nil {
			batchErr.Failed[i] = err
		}
	}
	if len(batchErr.Failed) > 0 {
		s.logger.Warn("batch store partially failed", "failed", len(batchErr.Failed), "total", len(inputs))
		return ids, batchErr
	}
	return ids, nil
}

// SearchSimilar returns at most limit results in descending score order.
func (s *Store) SearchSimilar(ctx context.Context, query string, limit int, filter Filter) ([]SearchResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	v, err := s.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()
	results, err := s.backend.Search(ctx, v, limit, filter)
	if err != nil {
		s.metrics.ObserveExternalError("vector_search")
		return nil, apperr.External("vector_search", err)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// DeleteDocuments removes every document matching filter.
func (s *Store) DeleteDocuments(ctx context.Context, filter Filter) error {
	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()
	if err := s.backend.Delete(ctx, filter); err != nil {
		s.metrics.ObserveExternalError("vector_search")
		return apperr.External("vector_search", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, filter Filter) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()
	n, err := s.backend.Count(ctx, filter)
	if err != nil {
		return 0, apperr.External("vector_search", err)
	}
	return n, nil
}

func (s *Store) upsert(ctx context.Context, docs []Document) error {
	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()
	if err := s.backend.Upsert(ctx, docs); err != nil {
		s.metrics.ObserveExternalError("vector_search")
		return apperr.External("vector_search", err)
	}
	return nil
}
