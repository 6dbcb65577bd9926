package catalog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/ent0n29/shopkeeper/internal/apperr"
)

type SupabaseConfig struct {
	URL    string
	APIKey string
	// CategoryTTL bounds how long the category list is cached.
	CategoryTTL time.Duration
	// RequestTimeout applies to calls whose context carries no deadline.
	RequestTimeout time.Duration
}

// SupabaseCatalog reads shop tables through the Supabase REST API.
// Expected tables: products, categories, orders, order_items, cart_items.
type SupabaseCatalog struct {
	client  *supabase.Client
	ttl     time.Duration
	timeout time.Duration

	mu              sync.RWMutex
	categories      []Category
	categoriesUntil time.Time
}

func NewSupabaseCatalog(cfg SupabaseConfig) (*SupabaseCatalog, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	if cfg.CategoryTTL <= 0 {
		cfg.CategoryTTL = 5 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseCatalog{client: client, ttl: cfg.CategoryTTL, timeout: cfg.RequestTimeout}, nil
}

// call runs a PostgREST request bounded by ctx. The REST client has no
// context support, so a request that outlives ctx is abandoned and its
// result discarded.
func (s *SupabaseCatalog) call(ctx context.Context, fn func() error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return apperr.External("catalog", err)
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return apperr.External("catalog", err)
	case <-ctx.Done():
		return apperr.External("catalog", ctx.Err())
	}
}

func (s *SupabaseCatalog) GetProduct(ctx context.Context, id string) (Product, error) {
	return s.productBy(ctx, "id", id)
}

func (s *SupabaseCatalog) GetProductBySlug(ctx context.Context, slug string) (Product, error) {
	return s.productBy(ctx, "slug", slug)
}

func (s *SupabaseCatalog) productBy(ctx context.Context, column, value string) (Product, error) {
	var rows []Product
	err := s.call(ctx, func() error {
		_, err := s.client.From("products").
			Select("*", "", false).
			Eq(column, value).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return Product{}, err
	}
	if len(rows) == 0 {
		return Product{}, apperr.NotFound("product", value)
	}
	return rows[0], nil
}

func (s *SupabaseCatalog) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	q := s.client.From("products").Select("*", "", false)
	if filter.CategoryID != "" {
		q = q.Eq("category_id", filter.CategoryID)
	}
	if filter.ActiveOnly {
		q = q.Eq("is_active", "true")
	}
	if filter.InStock {
		q = q.Gt("stock", "0")
	}
	if filter.MinPrice > 0 {
		q = q.Gte("price", formatPrice(filter.MinPrice))
	}
	if filter.MaxPrice > 0 {
		q = q.Lte("price", formatPrice(filter.MaxPrice))
	}

	var rows []Product
	if err := s.call(ctx, func() error {
		_, err := q.ExecuteTo(&rows)
		return err
	}); err != nil {
		return nil, err
	}
	// Free-text matching stays client-side.
	out := rows[:0]
	for _, p := range rows {
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SupabaseCatalog) ListCategories(ctx context.Context) ([]Category, error) {
	s.mu.RLock()
	if time.Now().Before(s.categoriesUntil) {
		out := append([]Category(nil), s.categories...)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	var rows []Category
	if err := s.call(ctx, func() error {
		_, err := s.client.From("categories").Select("*", "", false).ExecuteTo(&rows)
		return err
	}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.categories = rows
	s.categoriesUntil = time.Now().Add(s.ttl)
	s.mu.Unlock()
	return append([]Category(nil), rows...), nil
}

func (s *SupabaseCatalog) ListOrdersByUser(ctx context.Context, userID string) ([]Order, error) {
	var orders []Order
	if err := s.call(ctx, func() error {
		_, err := s.client.From("orders").Select("*", "", false).Eq("user_id", userID).ExecuteTo(&orders)
		return err
	}); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	var items []OrderItem
	if err := s.call(ctx, func() error {
		_, err := s.client.From("order_items").Select("*", "", false).In("order_id", ids).ExecuteTo(&items)
		return err
	}); err != nil {
		return nil, err
	}
	byOrder := make(map[string][]OrderItem, len(orders))
	for _, it := range items {
		byOrder[it.OrderID] = append(byOrder[it.OrderID], it)
	}
	for i := range orders {
		orders[i].Items = byOrder[orders[i].ID]
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders, nil
}

func (s *SupabaseCatalog) CancelOrder(ctx context.Context, userID, orderID string) (Order, error) {
	var current []Order
	err := s.call(ctx, func() error {
		_, err := s.client.From("orders").Select("*", "", false).
			Eq("id", orderID).
			Eq("user_id", userID).
			ExecuteTo(&current)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	if len(current) == 0 {
		return Order{}, apperr.NotFound("order", orderID)
	}
	if !current[0].Cancellable() {
		return current[0], apperr.Validation("order %s is %s and can no longer be cancelled", orderID, current[0].Status)
	}

	var updated []Order
	err = s.call(ctx, func() error {
		_, err := s.client.From("orders").
			Update(map[string]any{"status": OrderCancelled}, "representation", "").
			Eq("id", orderID).
			Eq("user_id", userID).
			ExecuteTo(&updated)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	if len(updated) == 0 {
		return Order{}, apperr.NotFound("order", orderID)
	}
	return updated[0], nil
}

func (s *SupabaseCatalog) CartPreview(ctx context.Context, userID string) (Cart, error) {
	var items []CartItem
	if err := s.call(ctx, func() error {
		_, err := s.client.From("cart_items").Select("product_id,name,quantity,unit_price", "", false).Eq("user_id", userID).ExecuteTo(&items)
		return err
	}); err != nil {
		return Cart{}, err
	}
	return Cart{UserID: userID, Items: items, Total: cartTotal(items)}, nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
