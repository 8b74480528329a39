// Package cart owns the in-memory shopping cart: an ordered set of line
// items that all belong to a single store.
//
// A Ledger is an explicitly owned object; callers create one per shopping
// session and pass it to whatever needs it. Adding a product from a
// different store goes through a blocking confirmation (see Confirmer):
// accepting it replaces the cart, declining leaves it untouched.
//
// All monetary values use shopspring/decimal — never float64 for money.
package cart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/deliverycart/cart-engine/internal/model"
	"github.com/deliverycart/cart-engine/internal/money"
)

// ConflictMessage is shown to the shopper when a product from another store
// is added to a non-empty cart.
const ConflictMessage = "Esse produto que você adicionará é de uma loja diferente dos produtos do carrinho. " +
	"Adicionar esse produto fará com que o seu carrinho seja limpo antes da adição. " +
	"Tem certeza que quer continuar?"

var ErrInvalidQuantity = errors.New("cart: quantity must be positive")

// AddOutcome reports what AddItem did.
type AddOutcome int

const (
	// OutcomeCancelled means nothing changed: the shopper declined a
	// store conflict, or the item was rejected.
	OutcomeCancelled AddOutcome = iota
	OutcomeAdded
	OutcomeMerged
	// OutcomeReplaced means a confirmed store conflict cleared the cart
	// before the item was added.
	OutcomeReplaced
)

func (o AddOutcome) String() string {
	switch o {
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAdded:
		return "added"
	case OutcomeMerged:
		return "merged"
	case OutcomeReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Confirmer asks the shopper a yes/no question and blocks until answered.
type Confirmer interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, message string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, message string) (bool, error) {
	return f(ctx, message)
}

// line is a cart entry with its parsed unit price. seq identifies the
// entry across merges so Settle can tell it apart from a re-added line.
type line struct {
	item model.LineItem
	unit decimal.Decimal
	seq  uint64
}

func (ln *line) total() decimal.Decimal {
	return ln.unit.Mul(decimal.NewFromInt(int64(ln.item.Quantity)))
}

// Ledger holds one cart. It is safe for concurrent use; the lock is held
// for the whole of AddItem, including a store-conflict prompt, so no other
// mutation can interleave with it.
type Ledger struct {
	mu        sync.Mutex
	confirmer Confirmer
	locale    money.Locale
	lines     []*line
	storeID   *int64 // nil iff lines is empty
	nextSeq   uint64
}

// NewLedger creates an empty cart. A nil confirmer declines every store
// conflict.
func NewLedger(confirmer Confirmer, locale money.Locale) *Ledger {
	return &Ledger{
		confirmer: confirmer,
		locale:    locale,
	}
}

// Locale returns the display convention used for prices.
func (l *Ledger) Locale() money.Locale {
	return l.locale
}

// AddItem adds item to the cart, merging quantities by product ID.
// A store conflict prompts the shopper; a declined prompt returns
// OutcomeCancelled with a nil error.
func (l *Ledger) AddItem(ctx context.Context, item model.LineItem) (AddOutcome, error) {
	if item.Quantity <= 0 {
		return OutcomeCancelled, fmt.Errorf("%w: got %d", ErrInvalidQuantity, item.Quantity)
	}
	unit, err := l.locale.Parse(item.Price)
	if err != nil {
		return OutcomeCancelled, fmt.Errorf("cart: product %d price: %w", item.ProductID, err)
	}
	if unit.IsNegative() {
		return OutcomeCancelled, fmt.Errorf("cart: product %d price: %w: negative %q", item.ProductID, money.ErrInvalidAmount, item.Price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	outcome := OutcomeAdded
	switch {
	case l.storeID == nil:
		l.setStore(item.StoreID)
	case *l.storeID != item.StoreID:
		ok, err := l.confirm(ctx)
		if err != nil {
			return OutcomeCancelled, fmt.Errorf("cart: store conflict prompt: %w", err)
		}
		if !ok {
			return OutcomeCancelled, nil
		}
		l.lines = nil
		l.setStore(item.StoreID)
		outcome = OutcomeReplaced
	}

	if i := l.index(item.ProductID); i >= 0 {
		ln := l.lines[i]
		if ln.item.Quantity > math.MaxInt-item.Quantity {
			return OutcomeCancelled, fmt.Errorf("%w: product %d would exceed %d", ErrInvalidQuantity, item.ProductID, math.MaxInt)
		}
		ln.item.Quantity += item.Quantity
		ln.item.TotalPrice = l.locale.Format(ln.total())
		return OutcomeMerged, nil
	}

	l.nextSeq++
	ln := &line{item: item, unit: unit, seq: l.nextSeq}
	ln.item.TotalPrice = l.locale.Format(ln.total())
	l.lines = append(l.lines, ln)
	return outcome, nil
}

func (l *Ledger) confirm(ctx context.Context) (bool, error) {
	if l.confirmer == nil {
		return false, nil
	}
	return l.confirmer.Confirm(ctx, ConflictMessage)
}

// RemoveItem drops the product from the cart. Removing an absent product
// is a no-op.
func (l *Ledger) RemoveItem(productID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i := l.index(productID); i >= 0 {
		l.lines = append(l.lines[:i], l.lines[i+1:]...)
	}
	if len(l.lines) == 0 {
		l.clear()
	}
}

// Clear empties the cart and forgets its store.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clear()
}

// Reset is the lifecycle hook called when the owning session ends. Line
// sequence numbers keep counting so stale snapshots never match new lines.
func (l *Ledger) Reset() {
	l.Clear()
}

func (l *Ledger) clear() {
	l.lines = nil
	l.storeID = nil
}

func (l *Ledger) setStore(id int64) {
	l.storeID = &id
}

func (l *Ledger) index(productID int64) int {
	for i, ln := range l.lines {
		if ln.item.ProductID == productID {
			return i
		}
	}
	return -1
}

// Total sums quantity × unit price over all lines. Cached TotalPrice
// strings are never consulted.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total()
}

func (l *Ledger) total() decimal.Decimal {
	sum := decimal.Zero
	for _, ln := range l.lines {
		sum = sum.Add(ln.total())
	}
	return sum
}

// TotalPrice is Total formatted for display; an empty cart yields the
// formatted zero.
func (l *Ledger) TotalPrice() string {
	return l.locale.Format(l.Total())
}

// Items returns a copy of the cart's lines in insertion order.
func (l *Ledger) Items() []model.LineItem {
	l.mu.Lock()
	defer l.mu.Unlock()

	items := make([]model.LineItem, len(l.lines))
	for i, ln := range l.lines {
		items[i] = ln.item
	}
	return items
}

// State is a copy of the whole cart taken under a single lock, so its
// items and totals always agree.
type State struct {
	Items      []model.LineItem
	StoreID    int64
	HasStore   bool
	Total      decimal.Decimal
	TotalPrice string
}

// State returns the cart's items, store and total together.
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := State{Items: make([]model.LineItem, len(l.lines))}
	for i, ln := range l.lines {
		st.Items[i] = ln.item
	}
	if l.storeID != nil {
		st.StoreID, st.HasStore = *l.storeID, true
	}
	st.Total = l.total()
	st.TotalPrice = l.locale.Format(st.Total)
	return st
}

// StoreID returns the cart's store, or false when the cart is empty.
func (l *Ledger) StoreID() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.storeID == nil {
		return 0, false
	}
	return *l.storeID, true
}

// Len returns the number of distinct products in the cart.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}
