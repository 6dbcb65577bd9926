package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ent0n29/shopkeeper/internal/apperr"
)

//go:embed seed/catalog.json
var seedCatalog []byte

// Snapshot is the serialized form of an in-memory catalog.
type Snapshot struct {
	Categories []Category `json:"categories"`
	Products   []Product  `json:"products"`
	Orders     []Order    `json:"orders"`
	Carts      []Cart     `json:"carts"`
}

// MemoryCatalog serves catalog data from process memory. It implements
// Catalog, OrderActions and CartReader.
type MemoryCatalog struct {
	mu         sync.RWMutex
	products   map[string]Product
	bySlug     map[string]string
	categories []Category
	orders     map[string]Order
	carts      map[string]Cart

	cancelCalls int
}

// NewSeedCatalog loads the bundled demo catalog.
func NewSeedCatalog() (*MemoryCatalog, error) {
	var snap Snapshot
	if err := json.Unmarshal(seedCatalog, &snap); err != nil {
		return nil, fmt.Errorf("decode seed catalog: %w", err)
	}
	return NewMemoryCatalog(snap), nil
}

func NewMemoryCatalog(snap Snapshot) *MemoryCatalog {
	c := &MemoryCatalog{
		products:   make(map[string]Product, len(snap.Products)),
		bySlug:     make(map[string]string, len(snap.Products)),
		categories: append([]Category(nil), snap.Categories...),
		orders:     make(map[string]Order, len(snap.Orders)),
		carts:      make(map[string]Cart, len(snap.Carts)),
	}
	for _, p := range snap.Products {
		c.products[p.ID] = p
		if p.Slug != "" {
			c.bySlug[p.Slug] = p.ID
		}
	}
	for _, o := range snap.Orders {
		c.orders[o.ID] = o
	}
	for _, cart := range snap.Carts {
		c.carts[cart.UserID] = cart
	}
	return c
}

func (c *MemoryCatalog) GetProduct(_ context.Context, id string) (Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	if !ok {
		return Product{}, apperr.NotFound("product", id)
	}
	return p, nil
}

func (c *MemoryCatalog) GetProductBySlug(ctx context.Context, slug string) (Product, error) {
	c.mu.RLock()
	id, ok := c.bySlug[slug]
	c.mu.RUnlock()
	if !ok {
		return Product{}, apperr.NotFound("product", slug)
	}
	return c.GetProduct(ctx, id)
}

func (c *MemoryCatalog) ListProducts(_ context.Context, filter ProductFilter) ([]Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryCatalog) ListCategories(context.Context) ([]Category, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Category(nil), c.categories...), nil
}

func (c *MemoryCatalog) ListOrdersByUser(_ context.Context, userID string) ([]Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Order
	for _, o := range c.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (c *MemoryCatalog) CancelOrder(_ context.Context, userID, orderID string) (Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCalls++
	o, ok := c.orders[orderID]
	if !ok || o.UserID != userID {
		return Order{}, apperr.NotFound("order", orderID)
	}
	if !o.Cancellable() {
		return o, apperr.Validation("order %s is %s and can no longer be cancelled", orderID, o.Status)
	}
	o.Status = OrderCancelled
	c.orders[orderID] = o
	return o, nil
}

// CancelCalls reports how many times CancelOrder ran.
func (c *MemoryCatalog) CancelCalls() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelCalls
}

func (c *MemoryCatalog) CartPreview(_ context.Context, userID string) (Cart, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cart, ok := c.carts[userID]
	if !ok {
		return Cart{UserID: userID}, nil
	}
	cart.Items = append([]CartItem(nil), cart.Items...)
	cart.Total = cartTotal(cart.Items)
	return cart, nil
}

// UpsertProduct adds or replaces a product.
func (c *MemoryCatalog) UpsertProduct(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.products[p.ID]; ok && old.Slug != p.Slug {
		delete(c.bySlug, old.Slug)
	}
	c.products[p.ID] = p
	if strings.TrimSpace(p.Slug) != "" {
		c.bySlug[p.Slug] = p.ID
	}
}

func (c *MemoryCatalog) RemoveProduct(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.products[id]; ok {
		delete(c.bySlug, p.Slug)
		delete(c.products, id)
	}
}

func cartTotal(items []CartItem) float64 {
	total := 0.0
	for _, it := range items {
		total += float64(it.Quantity) * it.UnitPrice
	}
	return total
}
