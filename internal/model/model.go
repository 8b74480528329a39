// Package model defines the core domain types shared across the cart engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is one product entry in a cart. Price and TotalPrice are
// display strings in the cart's locale; arithmetic always goes through
// the parsed decimal form of Price.
type LineItem struct {
	ProductID  int64  `json:"id"`
	Title      string `json:"title"`
	ImageURL   string `json:"image_url,omitempty"`
	Quantity   int    `json:"amount"`
	Price      string `json:"price"`
	StoreID    int64  `json:"store_id"`
	TotalPrice string `json:"total_price,omitempty"` // advisory, never summed
}

// OrderItem is one submitted line. Unit price is intentionally absent:
// the order service prices orders itself.
type OrderItem struct {
	ProductID int64 `json:"product_id"`
	Amount    int   `json:"amount"`
}

// Order is the body of an order submission.
type Order struct {
	StoreID    int64       `json:"store_id"`
	OrderItems []OrderItem `json:"order_items"`
}

// OrderRequest is the wire envelope accepted by the order service:
// {"order": {"store_id": 1, "order_items": [...]}}.
type OrderRequest struct {
	Order Order `json:"order"`
}

// OrderConfirmation is returned from a successful checkout.
type OrderConfirmation struct {
	CheckoutID string          `json:"checkout_id"`
	Payload    json.RawMessage `json:"payload"` // opaque, as returned by the order service
}

// Checkout statuses recorded in the journal.
const (
	CheckoutPending   = "pending"
	CheckoutSucceeded = "succeeded"
	CheckoutFailed    = "failed"
)

// CheckoutRecord is the journal entry for one checkout attempt.
type CheckoutRecord struct {
	ID           string          `json:"id" db:"id"`
	CartID       string          `json:"cart_id" db:"cart_id"`
	StoreID      int64           `json:"store_id" db:"store_id"`
	Items        []OrderItem     `json:"items" db:"items"`
	Total        decimal.Decimal `json:"total" db:"total"` // client-side advisory total
	Status       string          `json:"status" db:"status"`
	Error        string          `json:"error,omitempty" db:"error"`
	Confirmation json.RawMessage `json:"confirmation,omitempty" db:"confirmation"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
