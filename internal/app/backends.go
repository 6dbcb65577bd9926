package app

import (
	"context"
	"fmt"

	"github.com/ent0n29/shopkeeper/internal/catalog"
	"github.com/ent0n29/shopkeeper/internal/config"
	"github.com/ent0n29/shopkeeper/internal/embedding"
	"github.com/ent0n29/shopkeeper/internal/knowledge"
	"github.com/ent0n29/shopkeeper/internal/session"
)

// Shop is the catalog side of the service. The in-memory and Supabase
// catalogs implement all three interfaces.
type Shop interface {
	catalog.Catalog
	catalog.OrderActions
	catalog.CartReader
}

func resolveSessionBackend(ctx context.Context, cfg config.Config) (session.Backend, string, error) {
	switch cfg.SessionStore {
	case "redis":
		b, err := session.NewRedisBackend(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return nil, "", fmt.Errorf("redis session backend: %w", err)
		}
		return b, "redis", nil
	default:
		return session.NewMemoryBackend(cfg.SessionTTL, nil), "memory", nil
	}
}

func resolveEmbedder(cfg config.Config) (embedding.Embedder, string) {
	switch cfg.EmbeddingProvider {
	case "ollama":
		factory := embedding.OllamaFactory(cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.EmbeddingDim, cfg.EmbeddingTimeout)
		return embedding.NewLazy(cfg.EmbeddingDim, factory), "ollama " + cfg.EmbeddingModel
	default:
		return embedding.NewHashEmbedder(cfg.EmbeddingDim), "hash"
	}
}

func resolveVectorBackend(ctx context.Context, cfg config.Config) (knowledge.Backend, string, error) {
	switch cfg.VectorBackend {
	case "qdrant":
		b, err := knowledge.NewQdrantBackend(ctx, knowledge.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dimension:  cfg.EmbeddingDim,
		})
		if err != nil {
			return nil, "", fmt.Errorf("qdrant backend: %w", err)
		}
		return b, "qdrant", nil
	case "pgvector":
		b, err := knowledge.NewPGVectorBackend(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
		if err != nil {
			return nil, "", fmt.Errorf("pgvector backend: %w", err)
		}
		return b, "pgvector", nil
	default:
		return knowledge.NewMemoryBackend(), "memory", nil
	}
}

func resolveCatalog(cfg config.Config) (Shop, string, error) {
	switch cfg.CatalogBackend {
	case "supabase":
		c, err := catalog.NewSupabaseCatalog(catalog.SupabaseConfig{
			URL:    cfg.SupabaseURL,
			APIKey: cfg.SupabaseAPIKey,
		})
		if err != nil {
			return nil, "", fmt.Errorf("supabase catalog: %w", err)
		}
		return c, "supabase", nil
	default:
		c, err := catalog.NewSeedCatalog()
		if err != nil {
			return nil, "", err
		}
		return c, "memory seed", nil
	}
}
