package knowledge

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

const qdrantTextKey = "text"

type QdrantConfig struct {
	// URL is host:port or a full http(s) URL of the gRPC endpoint.
	URL        string
	APIKey     string
	Collection string
	Dimension  int
}

// QdrantBackend stores documents as points in one Qdrant collection.
type QdrantBackend struct {
	client     *qdrant.Client
	collection string
}

func NewQdrantBackend(ctx context.Context, cfg QdrantConfig) (*QdrantBackend, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	raw := cfg.URL
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant url: %w", err)
	}
	port := 6334
	if u.Port() != "" {
		if port, err = strconv.Atoi(u.Port()); err != nil {
			return nil, fmt.Errorf("invalid qdrant port: %w", err)
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	b := &QdrantBackend{client: client, collection: cfg.Collection}
	if err := b.ensureCollection(ctx, cfg.Dimension); err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

func (b *QdrantBackend) ensureCollection(ctx context.Context, dim int) error {
	exists, err := b.client.CollectionExists(ctx, b.collection)
	if err != nil {
		return fmt.Errorf("check qdrant collection: %w", err)
	}
	if exists {
		return nil
	}
	err = b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: b.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create qdrant collection %s: %w", b.collection, err)
	}
	return nil
}

func (b *QdrantBackend) Upsert(ctx context.Context, docs []Document) error {
	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, d := range docs {
		payload := make(map[string]*qdrant.Value, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}
		payload[qdrantTextKey] = qdrant.NewValueString(d.Text)
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(d.ID),
			Vectors: qdrant.NewVectors(d.Embedding...),
			Payload: payload,
		})
	}
	_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

func (b *QdrantBackend) Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]SearchResult, error) {
	points, err := b.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: b.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter:         buildQdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		r := SearchResult{
			ID:       p.GetId().GetUuid(),
			Score:    float64(p.GetScore()),
			Metadata: make(map[string]string, len(p.GetPayload())),
		}
		for k, v := range p.GetPayload() {
			if k == qdrantTextKey {
				r.Text = v.GetStringValue()
				continue
			}
			r.Metadata[k] = v.GetStringValue()
		}
		results = append(results, r)
	}
	return results, nil
}

func (b *QdrantBackend) Delete(ctx context.Context, filter Filter) error {
	f := buildQdrantFilter(filter)
	if f == nil {
		f = &qdrant.Filter{}
	}
	_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(f),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete failed: %w", err)
	}
	return nil
}

func (b *QdrantBackend) Count(ctx context.Context, filter Filter) (int, error) {
	n, err := b.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: b.collection,
		Filter:         buildQdrantFilter(filter),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant count failed: %w", err)
	}
	return int(n), nil
}

func (b *QdrantBackend) Close() error {
	return b.client.Close()
}

// buildQdrantFilter turns metadata equality into keyword match conditions.
func buildQdrantFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		conditions = append(conditions, qdrant.NewMatchKeyword(k, v))
	}
	return &qdrant.Filter{Must: conditions}
}
