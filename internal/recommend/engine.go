// Package recommend ranks catalog products for a shopper.
package recommend

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/catalog"
)

const (
	defaultLimit = 5
	maxLimit     = 50
	maxFavorites = 3

	weightCategory   = 0.5
	weightPrice      = 0.3
	weightPopularity = 0.2

	// neutralPriceScore is used when nothing is known about the budget.
	neutralPriceScore = 0.5
)

// Scored is a product with the score that ranked it.
type Scored struct {
	catalog.Product
	Score float64 `json:"score"`
}

type Engine struct {
	catalog catalog.Catalog
	timeout time.Duration
}

func NewEngine(cat catalog.Catalog, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Engine{catalog: cat, timeout: timeout}
}

// GetUserPreferences derives preferences from the user's order history.
func (e *Engine) GetUserPreferences(ctx context.Context, userID string) (catalog.Preferences, error) {
	if userID == "" {
		return catalog.Preferences{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	orders, err := e.catalog.ListOrdersByUser(ctx, userID)
	if err != nil {
		return catalog.Preferences{}, apperr.External("catalog", err)
	}
	return preferencesFromOrders(orders), nil
}

func preferencesFromOrders(orders []catalog.Order) catalog.Preferences {
	var (
		prefs    catalog.Preferences
		quantity = make(map[string]int)
		seenSKU  = make(map[string]struct{})
		minPrice = math.Inf(1)
		maxPrice = math.Inf(-1)
	)
	for _, o := range orders {
		if o.Status == catalog.OrderCancelled {
			continue
		}
		prefs.PurchaseHistory = append(prefs.PurchaseHistory, o.ID)
		for _, it := range o.Items {
			if it.CategoryID != "" {
				quantity[it.CategoryID] += max(it.Quantity, 1)
			}
			if it.SKU != "" {
				if _, ok := seenSKU[it.SKU]; !ok {
					seenSKU[it.SKU] = struct{}{}
					prefs.ItemSKUs = append(prefs.ItemSKUs, it.SKU)
				}
			}
			minPrice = math.Min(minPrice, it.UnitPrice)
			maxPrice = math.Max(maxPrice, it.UnitPrice)
		}
	}
	if !math.IsInf(minPrice, 1) {
		prefs.PriceRange = &catalog.PriceRange{Min: minPrice, Max: maxPrice}
	}

	cats := make([]string, 0, len(quantity))
	for c := range quantity {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if quantity[cats[i]] != quantity[cats[j]] {
			return quantity[cats[i]] > quantity[cats[j]]
		}
		return cats[i] < cats[j]
	})
	if len(cats) > maxFavorites {
		cats = cats[:maxFavorites]
	}
	if len(cats) > 0 {
		prefs.FavoriteCategories = cats
	}
	return prefs
}

// RecommendProducts ranks products for a user from their order history.
func (e *Engine) RecommendProducts(ctx context.Context, userID string, limit int) ([]Scored, error) {
	prefs, err := e.GetUserPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.RecommendForPreferences(ctx, prefs, limit)
}

// RecommendForPreferences ranks active, in-stock products the shopper has not
// already bought. Ties go to the cheaper product, then the lower id.
func (e *Engine) RecommendForPreferences(ctx context.Context, prefs catalog.Preferences, limit int) ([]Scored, error) {
	limit = clampLimit(limit)
	candidates, err := e.available(ctx, catalog.ProductFilter{})
	if err != nil {
		return nil, err
	}

	purchased := make(map[string]struct{}, len(prefs.ItemSKUs))
	for _, sku := range prefs.ItemSKUs {
		purchased[sku] = struct{}{}
	}
	maxPop := 0
	for _, p := range candidates {
		maxPop = max(maxPop, p.Popularity)
	}

	scored := make([]Scored, 0, len(candidates))
	for _, p := range candidates {
		if _, ok := purchased[p.SKU]; ok && p.SKU != "" {
			continue
		}
		score := weightCategory*categoryAffinity(p.CategoryID, prefs.FavoriteCategories) +
			weightPrice*priceProximity(p.Price, prefs.PriceRange) +
			weightPopularity*popularity(p.Popularity, maxPop)
		scored = append(scored, Scored{Product: p, Score: round4(score)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return cheaperFirst(scored[i].Product, scored[j].Product)
	})
	return top(scored, limit), nil
}

// GetSimilarProducts ranks products of the same category by price closeness.
// An unknown product yields no results.
func (e *Engine) GetSimilarProducts(ctx context.Context, productID string, limit int) ([]Scored, error) {
	limit = clampLimit(limit)
	src, err := e.product(ctx, productID)
	if errors.Is(err, apperr.ErrNotFound) {
		return []Scored{}, nil
	}
	if err != nil {
		return nil, err
	}

	candidates, err := e.available(ctx, catalog.ProductFilter{CategoryID: src.CategoryID})
	if err != nil {
		return nil, err
	}
	scored := make([]Scored, 0, len(candidates))
	for _, p := range candidates {
		if p.ID == src.ID {
			continue
		}
		scored = append(scored, Scored{Product: p, Score: round4(-math.Abs(p.Price - src.Price))})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return cheaperFirst(scored[i].Product, scored[j].Product)
	})
	return top(scored, limit), nil
}

func (e *Engine) GetTrendingProducts(ctx context.Context, limit int) ([]Scored, error) {
	limit = clampLimit(limit)
	candidates, err := e.available(ctx, catalog.ProductFilter{})
	if err != nil {
		return nil, err
	}
	scored := make([]Scored, 0, len(candidates))
	for _, p := range candidates {
		scored = append(scored, Scored{Product: p, Score: float64(p.Popularity)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return cheaperFirst(scored[i].Product, scored[j].Product)
	})
	return top(scored, limit), nil
}

// GetBudgetProducts lists products priced at or under maxPrice, cheapest first.
func (e *Engine) GetBudgetProducts(ctx context.Context, maxPrice float64, limit int) ([]Scored, error) {
	if maxPrice <= 0 || math.IsNaN(maxPrice) || math.IsInf(maxPrice, 0) {
		return nil, apperr.Validation("max price must be a positive number")
	}
	limit = clampLimit(limit)
	candidates, err := e.available(ctx, catalog.ProductFilter{MaxPrice: maxPrice})
	if err != nil {
		return nil, err
	}
	scored := make([]Scored, 0, len(candidates))
	for _, p := range candidates {
		if p.Price > maxPrice {
			continue
		}
		scored = append(scored, Scored{Product: p, Score: p.Price})
	}
	sort.Slice(scored, func(i, j int) bool {
		return cheaperFirst(scored[i].Product, scored[j].Product)
	})
	return top(scored, limit), nil
}

func (e *Engine) available(ctx context.Context, filter catalog.ProductFilter) ([]catalog.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	filter.ActiveOnly = true
	filter.InStock = true
	products, err := e.catalog.ListProducts(ctx, filter)
	if err != nil {
		return nil, apperr.External("catalog", err)
	}
	// Backends may return the same row twice across pages.
	seen := make(map[string]struct{}, len(products))
	out := products[:0]
	for _, p := range products {
		if _, dup := seen[p.ID]; dup || !p.Available() {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func (e *Engine) product(ctx context.Context, id string) (catalog.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	p, err := e.catalog.GetProduct(ctx, id)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return catalog.Product{}, apperr.External("catalog", err)
	}
	return p, err
}

func categoryAffinity(categoryID string, favorites []string) float64 {
	for rank, c := range favorites {
		if c == categoryID {
			return 1 - 0.25*float64(rank)
		}
	}
	return 0
}

func priceProximity(price float64, pr *catalog.PriceRange) float64 {
	if pr == nil {
		return neutralPriceScore
	}
	hi := pr.Max
	if hi <= 0 {
		hi = math.Inf(1)
	}
	if price >= pr.Min && price <= hi {
		return 1
	}
	if price > hi {
		span := math.Max((pr.Min+pr.Max)/2, 1)
		return math.Max(0, 1-(price-pr.Max)/span)
	}
	span := math.Max((pr.Min+max(pr.Max, pr.Min))/2, 1)
	return math.Max(0, 1-(pr.Min-price)/span)
}

func popularity(pop, maxPop int) float64 {
	if maxPop <= 0 {
		return 0
	}
	return float64(pop) / float64(maxPop)
}

func cheaperFirst(a, b catalog.Product) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.ID < b.ID
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func top(in []Scored, limit int) []Scored {
	if len(in) > limit {
		return in[:limit]
	}
	return in
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
