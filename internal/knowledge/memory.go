package knowledge

import (
	"context"
	"sort"
	"sync"

	"github.com/ent0n29/shopkeeper/internal/embedding"
)

// MemoryBackend is an in-process cosine similarity store.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]Document)}
}

func (m *MemoryBackend) Upsert(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		d.Metadata = cloneMeta(d.Metadata)
		d.Embedding = append([]float32(nil), d.Embedding...)
		m.docs[d.ID] = d
	}
	return nil
}

func (m *MemoryBackend) Search(_ context.Context, vector []float32, limit int, filter Filter) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]SearchResult, 0, len(m.docs))
	for _, d := range m.docs {
		if !filter.Matches(d.Metadata) {
			continue
		}
		results = append(results, SearchResult{
			ID:       d.ID,
			Score:    embedding.Cosine(vector, d.Embedding),
			Text:     d.Text,
			Metadata: cloneMeta(d.Metadata),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryBackend) Delete(_ context.Context, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.docs {
		if filter.Matches(d.Metadata) {
			delete(m.docs, id)
		}
	}
	return nil
}

func (m *MemoryBackend) Count(_ context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.docs {
		if filter.Matches(d.Metadata) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Close() error { return nil }
