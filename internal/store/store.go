// Package store defines the persistence interface for the checkout journal:
// one record per checkout attempt, written before the order is submitted
// and completed with its outcome. Cart contents themselves are never
// persisted.
//
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/deliverycart/cart-engine/internal/model"
)

var ErrNotFound = errors.New("store: checkout not found")

// Store is the journal interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// CreateCheckout records a pending checkout attempt.
	CreateCheckout(ctx context.Context, rec *model.CheckoutRecord) error

	// CompleteCheckout records the outcome of an attempt. confirmation is
	// set on success, errMsg on failure.
	CompleteCheckout(ctx context.Context, id, status string, confirmation json.RawMessage, errMsg string, at time.Time) error

	// GetCheckout retrieves a checkout record by its ID.
	GetCheckout(ctx context.Context, id string) (*model.CheckoutRecord, error)

	// ListCheckoutsByCart returns a cart's attempts, oldest first.
	ListCheckoutsByCart(ctx context.Context, cartID string) ([]model.CheckoutRecord, error)
}
