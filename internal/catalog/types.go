// Package catalog reads shop products, categories, orders and carts.
package catalog

import (
	"context"
	"time"
)

type Product struct {
	ID          string   `json:"id"`
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	CategoryID  string   `json:"category_id"`
	SKU         string   `json:"sku"`
	Price       float64  `json:"price"`
	Stock       int      `json:"stock"`
	Active      bool     `json:"is_active"`
	Popularity  int      `json:"popularity"`
	Tags        []string `json:"tags,omitempty"`
}

// Available reports whether the product can be recommended.
func (p Product) Available() bool {
	return p.Active && p.Stock > 0
}

type Category struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

const (
	OrderPending   = "pending"
	OrderPaid      = "paid"
	OrderShipped   = "shipped"
	OrderDelivered = "delivered"
	OrderCancelled = "cancelled"
)

type Order struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Status    string      `json:"status"`
	Total     float64     `json:"total"`
	CreatedAt time.Time   `json:"created_at"`
	Items     []OrderItem `json:"items,omitempty"`
}

// Cancellable reports whether the order has not left the warehouse yet.
func (o Order) Cancellable() bool {
	return o.Status == OrderPending || o.Status == OrderPaid
}

type OrderItem struct {
	OrderID    string  `json:"order_id,omitempty"`
	ProductID  string  `json:"product_id"`
	SKU        string  `json:"sku"`
	CategoryID string  `json:"category_id"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
}

type Cart struct {
	UserID string     `json:"user_id"`
	Items  []CartItem `json:"items"`
	Total  float64    `json:"total"`
}

type CartItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// ProductFilter narrows ListProducts. Zero values do not filter.
type ProductFilter struct {
	CategoryID string
	MinPrice   float64
	MaxPrice   float64
	ActiveOnly bool
	InStock    bool
	Query      string
}

// Catalog is read access to shop data.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	GetProductBySlug(ctx context.Context, slug string) (Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	ListCategories(ctx context.Context) ([]Category, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]Order, error)
}

// OrderActions mutates orders on behalf of an authenticated customer.
type OrderActions interface {
	CancelOrder(ctx context.Context, userID, orderID string) (Order, error)
}

type CartReader interface {
	CartPreview(ctx context.Context, userID string) (Cart, error)
}
