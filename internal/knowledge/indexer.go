package knowledge

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ent0n29/shopkeeper/internal/catalog"
	"github.com/ent0n29/shopkeeper/internal/observability"
)

//go:embed seed/platform.json
var platformSeed []byte

type platformEntry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// ReindexReport summarizes one full rebuild.
type ReindexReport struct {
	Products   int   `json:"products"`
	Categories int   `json:"categories"`
	Platform   int   `json:"platform"`
	Failed     int   `json:"failed"`
	FailedIdx  []int `json:"failed_indices,omitempty"`
}

// Indexer keeps knowledge documents in sync with the catalog.
type Indexer struct {
	store   *Store
	catalog catalog.Catalog
	logger  *slog.Logger
}

func NewIndexer(store *Store, cat catalog.Catalog) *Indexer {
	return &Indexer{
		store:   store,
		catalog: cat,
		logger:  observability.Logger().With("component", "indexer"),
	}
}

// ReindexAll rebuilds product, category and platform documents. Entries that
// fail are reported; the rest are written.
func (ix *Indexer) ReindexAll(ctx context.Context) (ReindexReport, error) {
	products, err := ix.catalog.ListProducts(ctx, catalog.ProductFilter{ActiveOnly: true})
	if err != nil {
		return ReindexReport{}, fmt.Errorf("list products: %w", err)
	}
	categories, err := ix.catalog.ListCategories(ctx)
	if err != nil {
		return ReindexReport{}, fmt.Errorf("list categories: %w", err)
	}
	var platform []platformEntry
	if err := json.Unmarshal(platformSeed, &platform); err != nil {
		return ReindexReport{}, fmt.Errorf("decode platform knowledge: %w", err)
	}

	categoryNames := make(map[string]string, len(categories))
	for _, c := range categories {
		categoryNames[c.ID] = c.Name
	}

	for _, st := range []string{SourceProduct, SourceCategory, SourceFAQ} {
		if err := ix.store.DeleteDocuments(ctx, Filter{MetaSourceType: st}); err != nil {
			return ReindexReport{}, fmt.Errorf("clear %s documents: %w", st, err)
		}
	}

	inputs := make([]DocumentInput, 0, len(products)+len(categories)+len(platform))
	for _, p := range products {
		inputs = append(inputs, productInput(p, categoryNames[p.CategoryID]))
	}
	for _, c := range categories {
		inputs = append(inputs, categoryInput(c))
	}
	for _, e := range platform {
		inputs = append(inputs, DocumentInput{
			Text: e.Title + ". " + e.Text,
			Metadata: map[string]string{
				MetaSourceType: SourceFAQ,
				MetaSourceID:   e.ID,
				"title":        e.Title,
			},
		})
	}

	report := ReindexReport{
		Products:   len(products),
		Categories: len(categories),
		Platform:   len(platform),
	}
	_, err = ix.store.BatchStoreDocuments(ctx, inputs)
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		report.Failed = len(batchErr.Failed)
		report.FailedIdx = batchErr.Indices()
	}
	ix.logger.Info("knowledge reindexed",
		"products", report.Products,
		"categories", report.Categories,
		"platform", report.Platform,
		"failed", report.Failed,
	)
	return report, err
}

// IndexProduct writes or refreshes one product document. Inactive products
// are removed instead.
func (ix *Indexer) IndexProduct(ctx context.Context, p catalog.Product) error {
	if !p.Active {
		return ix.RemoveProduct(ctx, p.ID)
	}
	categoryName := ""
	if cats, err := ix.catalog.ListCategories(ctx); err == nil {
		for _, c := range cats {
			if c.ID == p.CategoryID {
				categoryName = c.Name
				break
			}
		}
	}
	in := productInput(p, categoryName)
	_, err := ix.store.StoreDocument(ctx, in.Text, in.Metadata)
	return err
}

func (ix *Indexer) RemoveProduct(ctx context.Context, productID string) error {
	return ix.store.DeleteDocuments(ctx, Filter{
		MetaSourceType: SourceProduct,
		MetaSourceID:   productID,
	})
}

func productInput(p catalog.Product, categoryName string) DocumentInput {
	var b strings.Builder
	b.WriteString(p.Name)
	b.WriteString(". ")
	b.WriteString(p.Description)
	if categoryName != "" {
		b.WriteString(" Category: ")
		b.WriteString(categoryName)
		b.WriteString(".")
	}
	fmt.Fprintf(&b, " Price: $%.2f.", p.Price)
	if len(p.Tags) > 0 {
		b.WriteString(" Tags: ")
		b.WriteString(strings.Join(p.Tags, ", "))
		b.WriteString(".")
	}
	return DocumentInput{
		Text: b.String(),
		Metadata: map[string]string{
			MetaSourceType: SourceProduct,
			MetaSourceID:   p.ID,
			"category_id":  p.CategoryID,
			"slug":         p.Slug,
			"price":        strconv.FormatFloat(p.Price, 'f', 2, 64),
		},
	}
}

func categoryInput(c catalog.Category) DocumentInput {
	return DocumentInput{
		Text: c.Name + ". " + c.Description,
		Metadata: map[string]string{
			MetaSourceType: SourceCategory,
			MetaSourceID:   c.ID,
			"slug":         c.Slug,
		},
	}
}
