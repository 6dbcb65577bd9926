package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/shopkeeper/internal/apperr"
)

func TestSeedCatalogLoads(t *testing.T) {
	c, err := NewSeedCatalog()
	if err != nil {
		t.Fatalf("NewSeedCatalog() error = %v", err)
	}
	cats, _ := c.ListCategories(context.Background())
	if len(cats) != 5 {
		t.Fatalf("len(categories) = %d, want 5", len(cats))
	}
	p, err := c.GetProductBySlug(context.Background(), "trail-runner-x")
	if err != nil {
		t.Fatalf("GetProductBySlug() error = %v", err)
	}
	if p.ID != "p-101" {
		t.Fatalf("ID = %q, want p-101", p.ID)
	}
}

func TestListProductsFilter(t *testing.T) {
	c, _ := NewSeedCatalog()
	got, err := c.ListProducts(context.Background(), ProductFilter{
		CategoryID: "cat-footwear",
		ActiveOnly: true,
		InStock:    true,
		MaxPrice:   100,
	})
	if err != nil {
		t.Fatalf("ListProducts() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (%+v)", len(got), got)
	}
	for _, p := range got {
		if p.Price > 100 || p.CategoryID != "cat-footwear" {
			t.Fatalf("unexpected product %+v", p)
		}
	}
}

func TestProductFilterQueryMatchesAllWords(t *testing.T) {
	p := Product{Name: "Storm Rain Shell", Description: "Packable waterproof jacket", Tags: []string{"hiking"}}
	if !(ProductFilter{Query: "waterproof hiking"}).Match(p) {
		t.Fatalf("expected match")
	}
	if (ProductFilter{Query: "waterproof boots"}).Match(p) {
		t.Fatalf("unexpected match")
	}
}

func TestCancelOrder(t *testing.T) {
	c, _ := NewSeedCatalog()
	ctx := context.Background()

	o, err := c.CancelOrder(ctx, "u-100", "o-5002")
	if err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if o.Status != OrderCancelled {
		t.Fatalf("Status = %q, want %q", o.Status, OrderCancelled)
	}

	if _, err := c.CancelOrder(ctx, "u-100", "o-5001"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("CancelOrder(delivered) error = %v, want ErrValidation", err)
	}
	if _, err := c.CancelOrder(ctx, "u-999", "o-5003"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("CancelOrder(other user) error = %v, want ErrNotFound", err)
	}
	if got := c.CancelCalls(); got != 3 {
		t.Fatalf("CancelCalls() = %d, want 3", got)
	}
}

func TestCartPreviewTotals(t *testing.T) {
	c, _ := NewSeedCatalog()
	cart, err := c.CartPreview(context.Background(), "u-100")
	if err != nil {
		t.Fatalf("CartPreview() error = %v", err)
	}
	if cart.Total != 125 {
		t.Fatalf("Total = %.2f, want 125", cart.Total)
	}
	empty, _ := c.CartPreview(context.Background(), "nobody")
	if len(empty.Items) != 0 || empty.Total != 0 {
		t.Fatalf("empty cart = %+v", empty)
	}
}

func TestUpsertAndRemoveProduct(t *testing.T) {
	c := NewMemoryCatalog(Snapshot{})
	c.UpsertProduct(Product{ID: "p-1", Slug: "old", Price: 10})
	c.UpsertProduct(Product{ID: "p-1", Slug: "new", Price: 12})
	if _, err := c.GetProductBySlug(context.Background(), "old"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("stale slug still resolves")
	}
	c.RemoveProduct("p-1")
	if _, err := c.GetProduct(context.Background(), "p-1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("removed product still resolves")
	}
}

func TestPreferencesMergeOverridesNonEmptyFields(t *testing.T) {
	base := Preferences{
		PriceRange:         &PriceRange{Min: 10, Max: 50},
		FavoriteCategories: []string{"cat-books"},
		ItemSKUs:           []string{"BK-1"},
	}
	merged := base.Merge(Preferences{FavoriteCategories: []string{"cat-kitchen"}})

	if merged.PriceRange == nil || merged.PriceRange.Max != 50 {
		t.Fatalf("PriceRange = %+v, want kept", merged.PriceRange)
	}
	if len(merged.FavoriteCategories) != 1 || merged.FavoriteCategories[0] != "cat-kitchen" {
		t.Fatalf("FavoriteCategories = %v, want [cat-kitchen]", merged.FavoriteCategories)
	}
	if len(merged.ItemSKUs) != 1 {
		t.Fatalf("ItemSKUs = %v, want kept", merged.ItemSKUs)
	}

	merged.PriceRange.Max = 99
	if base.PriceRange.Max != 50 {
		t.Fatalf("Merge aliased the receiver's price range")
	}
}
