package cart

import (
	"github.com/shopspring/decimal"

	"github.com/deliverycart/cart-engine/internal/model"
)

// Snapshot is the frozen set of lines captured when a checkout request is
// built. Settle uses it to remove exactly what was submitted.
type Snapshot struct {
	StoreID int64
	Items   []model.LineItem
	Total   decimal.Decimal

	seqs []uint64 // parallel to Items
}

// OrderItems lists the submitted product quantities.
func (s Snapshot) OrderItems() []model.OrderItem {
	out := make([]model.OrderItem, len(s.Items))
	for i, it := range s.Items {
		out[i] = model.OrderItem{ProductID: it.ProductID, Amount: it.Quantity}
	}
	return out
}

// Snapshot captures the cart's current contents. It returns false when
// the cart has no store.
func (l *Ledger) Snapshot() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.storeID == nil {
		return Snapshot{}, false
	}
	snap := Snapshot{
		StoreID: *l.storeID,
		Items:   make([]model.LineItem, len(l.lines)),
		Total:   l.total(),
		seqs:    make([]uint64, len(l.lines)),
	}
	for i, ln := range l.lines {
		snap.Items[i] = ln.item
		snap.seqs[i] = ln.seq
	}
	return snap, true
}

// Settle removes the snapshotted quantities from the cart. Each line that
// is still the same entry (same store, not removed and re-added since) is
// reduced by the submitted quantity and dropped once it reaches zero.
// Lines added after the snapshot, and quantity merged into a line after
// it, are kept.
func (l *Ledger) Settle(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.storeID == nil || *l.storeID != snap.StoreID {
		return
	}
	for i, it := range snap.Items {
		j := l.index(it.ProductID)
		if j < 0 || l.lines[j].seq != snap.seqs[i] {
			continue
		}
		ln := l.lines[j]
		ln.item.Quantity -= it.Quantity
		if ln.item.Quantity <= 0 {
			l.lines = append(l.lines[:j], l.lines[j+1:]...)
			continue
		}
		ln.item.TotalPrice = l.locale.Format(ln.total())
	}
	if len(l.lines) == 0 {
		l.clear()
	}
}
