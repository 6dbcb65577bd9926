// Package knowledge indexes shop content for semantic retrieval.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Metadata keys with meaning to the store.
const (
	MetaSourceType = "source_type"
	MetaSourceID   = "source_id"
)

// Source types written by the indexer.
const (
	SourceProduct  = "product"
	SourceCategory = "category"
	SourceFAQ      = "platform"
)

var documentNamespace = uuid.MustParse("6f1c9a62-4b0e-4d8e-9a51-3f0b7d3e2c11")

// Document is one indexed unit of text with its embedding.
type Document struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Embedding []float32         `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DocumentInput is a document before embedding.
type DocumentInput struct {
	Text     string
	Metadata map[string]string
}

// Filter matches documents whose metadata equals every entry.
type Filter map[string]string

func (f Filter) Matches(meta map[string]string) bool {
	for k, v := range f {
		if meta[k] != v {
			return false
		}
	}
	return true
}

type SearchResult struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Text     string            `json:"text,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Backend is a vector similarity store. Vectors passed in already have the
// configured dimension.
type Backend interface {
	Upsert(ctx context.Context, docs []Document) error
	Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]SearchResult, error)
	Delete(ctx context.Context, filter Filter) error
	Count(ctx context.Context, filter Filter) (int, error)
	Close() error
}

// DocumentID returns a stable id for source-keyed metadata so re-indexing the
// same entity overwrites it. Other documents get a random id.
func DocumentID(meta map[string]string) string {
	st := strings.TrimSpace(meta[MetaSourceType])
	sid := strings.TrimSpace(meta[MetaSourceID])
	if st == "" || sid == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(documentNamespace, []byte(st+":"+sid)).String()
}

// BatchError reports which entries of a batch failed. Entries not listed
// were stored.
type BatchError struct {
	Total  int
	Failed map[int]error
}

func (e *BatchError) Error() string {
	idx := e.Indices()
	return fmt.Sprintf("%d of %d documents failed (indices %v): %v", len(idx), e.Total, idx, e.Failed[idx[0]])
}

func (e *BatchError) Indices() []int {
	out := make([]int, 0, len(e.Failed))
	for i := range e.Failed {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, i := range e.Indices() {
		out = append(out, e.Failed[i])
	}
	return out
}

func cloneMeta(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
