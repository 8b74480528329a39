package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deliverycart/cart-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	checkouts map[string]*model.CheckoutRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkouts: make(map[string]*model.CheckoutRecord),
	}
}

func (s *MemoryStore) CreateCheckout(_ context.Context, rec *model.CheckoutRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.checkouts[rec.ID]; ok {
		return fmt.Errorf("checkout %s already exists", rec.ID)
	}
	s.checkouts[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) CompleteCheckout(_ context.Context, id, status string, confirmation json.RawMessage, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.checkouts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Status = status
	rec.Confirmation = append(json.RawMessage(nil), confirmation...)
	rec.Error = errMsg
	rec.CompletedAt = &at
	return nil
}

func (s *MemoryStore) GetCheckout(_ context.Context, id string) (*model.CheckoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.checkouts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) ListCheckoutsByCart(_ context.Context, cartID string) ([]model.CheckoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CheckoutRecord
	for _, rec := range s.checkouts {
		if rec.CartID == cartID {
			result = append(result, *cloneRecord(rec))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// cloneRecord copies rec so callers never share slices with the store.
func cloneRecord(rec *model.CheckoutRecord) *model.CheckoutRecord {
	c := *rec
	c.Items = append([]model.OrderItem(nil), rec.Items...)
	c.Confirmation = append(json.RawMessage(nil), rec.Confirmation...)
	if rec.CompletedAt != nil {
		at := *rec.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
