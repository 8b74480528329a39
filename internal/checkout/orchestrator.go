// Package checkout turns a cart into an order submission.
//
// An Orchestrator is bound to one cart. Checkout snapshots the cart,
// submits the snapshot to the order service exactly once, and on success
// removes exactly the submitted lines; anything added while the request
// was in flight stays in the cart. A second Checkout while one is pending
// is rejected rather than submitting the same lines twice.
package checkout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deliverycart/cart-engine/internal/cart"
	"github.com/deliverycart/cart-engine/internal/metrics"
	"github.com/deliverycart/cart-engine/internal/model"
	"github.com/deliverycart/cart-engine/internal/orderapi"
	"github.com/deliverycart/cart-engine/internal/store"
)

// DefaultTimeout bounds a submission when Options.Timeout is unset.
const DefaultTimeout = 15 * time.Second

// OrderCreator submits an order and returns the service's confirmation
// payload.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req model.OrderRequest) (json.RawMessage, error)
}

// OrderCreatorFunc adapts a function to OrderCreator.
type OrderCreatorFunc func(ctx context.Context, req model.OrderRequest) (json.RawMessage, error)

func (f OrderCreatorFunc) CreateOrder(ctx context.Context, req model.OrderRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// Authenticator reports whether the shopper behind ctx is logged in.
type Authenticator interface {
	LoggedIn(ctx context.Context) bool
}

// AuthFunc adapts a function to Authenticator.
type AuthFunc func(ctx context.Context) bool

func (f AuthFunc) LoggedIn(ctx context.Context) bool {
	return f(ctx)
}

// Options configures optional collaborators. Nil Journal skips journaling;
// nil Auth lets every shopper check out.
type Options struct {
	Journal store.Store
	Auth    Authenticator
	Timeout time.Duration
}

// Orchestrator checks out one cart.
type Orchestrator struct {
	cartID   string
	ledger   *cart.Ledger
	orders   OrderCreator
	journal  store.Store
	auth     Authenticator
	timeout  time.Duration
	inFlight atomic.Bool
}

// New creates an orchestrator for the cart identified by cartID.
func New(cartID string, ledger *cart.Ledger, orders OrderCreator, opts Options) *Orchestrator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Orchestrator{
		cartID:  cartID,
		ledger:  ledger,
		orders:  orders,
		journal: opts.Journal,
		auth:    opts.Auth,
		timeout: timeout,
	}
}

// InFlight reports whether a checkout is waiting on the order service.
func (o *Orchestrator) InFlight() bool {
	return o.inFlight.Load()
}

// Checkout submits the cart's current contents as an order.
//
// The submission runs detached from ctx's cancellation: once started it
// completes (bounded by the configured timeout) and a success still
// settles the cart even if the caller has gone away.
func (o *Orchestrator) Checkout(ctx context.Context) (*model.OrderConfirmation, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		metrics.Checkouts.WithLabelValues("in_progress").Inc()
		return nil, ErrAlreadyInProgress
	}
	defer o.inFlight.Store(false)

	snap, ok := o.ledger.Snapshot()
	if !ok {
		metrics.Checkouts.WithLabelValues("no_store").Inc()
		return nil, ErrNoStoreSelected
	}

	if o.auth != nil && !o.auth.LoggedIn(ctx) {
		metrics.Checkouts.WithLabelValues("not_authenticated").Inc()
		return nil, ErrNotAuthenticated
	}

	id := uuid.New().String()
	req := model.OrderRequest{Order: model.Order{
		StoreID:    snap.StoreID,
		OrderItems: snap.OrderItems(),
	}}

	bg := context.WithoutCancel(ctx)
	o.journalCreate(bg, &model.CheckoutRecord{
		ID:        id,
		CartID:    o.cartID,
		StoreID:   snap.StoreID,
		Items:     req.Order.OrderItems,
		Total:     snap.Total,
		Status:    model.CheckoutPending,
		CreatedAt: time.Now().UTC(),
	})

	callCtx, cancel := context.WithTimeout(orderapi.WithIdempotencyKey(bg, id), o.timeout)
	start := time.Now()
	payload, err := o.orders.CreateOrder(callCtx, req)
	cancel()
	metrics.CheckoutLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.Checkouts.WithLabelValues("failed").Inc()
		o.journalComplete(bg, id, model.CheckoutFailed, nil, err.Error())
		slog.Error("checkout failed",
			"checkout_id", id,
			"cart_id", o.cartID,
			"store_id", snap.StoreID,
			"err", err,
		)
		return nil, &SubmissionError{CheckoutID: id, Cause: err}
	}

	o.ledger.Settle(snap)
	metrics.Checkouts.WithLabelValues("succeeded").Inc()
	o.journalComplete(bg, id, model.CheckoutSucceeded, payload, "")

	slog.Info("checkout succeeded",
		"checkout_id", id,
		"cart_id", o.cartID,
		"store_id", snap.StoreID,
		"lines", len(req.Order.OrderItems),
		"total", snap.Total.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &model.OrderConfirmation{CheckoutID: id, Payload: payload}, nil
}

// Journal failures are logged and never fail a checkout.

func (o *Orchestrator) journalCreate(ctx context.Context, rec *model.CheckoutRecord) {
	if o.journal == nil {
		return
	}
	if err := o.journal.CreateCheckout(ctx, rec); err != nil {
		slog.Warn("journal create failed", "checkout_id", rec.ID, "err", err)
	}
}

func (o *Orchestrator) journalComplete(ctx context.Context, id, status string, confirmation json.RawMessage, errMsg string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.CompleteCheckout(ctx, id, status, confirmation, errMsg, time.Now().UTC()); err != nil {
		slog.Warn("journal complete failed", "checkout_id", id, "status", status, "err", err)
	}
}
