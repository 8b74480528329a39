package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deliverycart/cart-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, update or invalidate cache) ---

func (s *CachedStore) CreateCheckout(ctx context.Context, rec *model.CheckoutRecord) error {
	if err := s.primary.CreateCheckout(ctx, rec); err != nil {
		return err
	}
	s.cacheCheckout(ctx, rec)
	return nil
}

func (s *CachedStore) CompleteCheckout(ctx context.Context, id, status string, confirmation json.RawMessage, errMsg string, at time.Time) error {
	if err := s.primary.CompleteCheckout(ctx, id, status, confirmation, errMsg, at); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, checkoutKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCheckout(ctx context.Context, id string) (*model.CheckoutRecord, error) {
	data, err := s.rdb.Get(ctx, checkoutKey(id)).Bytes()
	if err == nil {
		var rec model.CheckoutRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	// Cache miss: read from primary.
	rec, err := s.primary.GetCheckout(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheCheckout(ctx, rec)
	return rec, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListCheckoutsByCart(ctx context.Context, cartID string) ([]model.CheckoutRecord, error) {
	return s.primary.ListCheckoutsByCart(ctx, cartID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheCheckout(ctx context.Context, rec *model.CheckoutRecord) {
	if data, err := json.Marshal(rec); err == nil {
		s.rdb.Set(ctx, checkoutKey(rec.ID), data, s.ttl)
	}
}

func checkoutKey(id string) string { return fmt.Sprintf("checkout:%s", id) }
