// Package server provides the HTTP and WebSocket surface of the cart
// engine: cart sessions, add/remove/clear, checkout, and the checkout
// journal.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deliverycart/cart-engine/internal/cart"
	"github.com/deliverycart/cart-engine/internal/checkout"
	"github.com/deliverycart/cart-engine/internal/metrics"
	"github.com/deliverycart/cart-engine/internal/model"
	"github.com/deliverycart/cart-engine/internal/money"
	"github.com/deliverycart/cart-engine/internal/orderapi"
	"github.com/deliverycart/cart-engine/internal/store"
)

// Options configures a Service.
type Options struct {
	Locale        money.Locale
	SubmitTimeout time.Duration
	RequireLogin  bool
}

// Service serves cart sessions over HTTP.
type Service struct {
	journal  store.Store
	orders   checkout.OrderCreator
	hub      *Hub // optional; without it store conflicts are declined
	opts     Options
	sessions *Registry
}

// NewService creates a cart service. Pass nil for hub if WebSocket
// prompts and broadcasts are not needed.
func NewService(journal store.Store, orders checkout.OrderCreator, hub *Hub, opts Options) *Service {
	s := &Service{
		journal: journal,
		orders:  orders,
		hub:     hub,
		opts:    opts,
	}
	s.sessions = NewRegistry(s.newSession)
	return s
}

// Sessions exposes the session registry.
func (s *Service) Sessions() *Registry {
	return s.sessions
}

func (s *Service) newSession(id string) *Session {
	ledger := cart.NewLedger(s.confirmer(id), s.opts.Locale)
	var auth checkout.Authenticator
	if s.opts.RequireLogin {
		auth = checkout.AuthFunc(func(ctx context.Context) bool {
			_, ok := orderapi.TokenFrom(ctx)
			return ok
		})
	}
	return &Session{
		Ledger: ledger,
		Checkout: checkout.New(id, ledger, s.orders, checkout.Options{
			Journal: s.journal,
			Auth:    auth,
			Timeout: s.opts.SubmitTimeout,
		}),
	}
}

type replaceKey struct{}

// withReplace pre-answers a store-conflict prompt for one request.
func withReplace(ctx context.Context, replace bool) context.Context {
	return context.WithValue(ctx, replaceKey{}, replace)
}

// confirmer answers store-conflict prompts for cartID: a pre-answer on the
// request wins, otherwise the question goes to the cart's WebSocket
// watchers.
func (s *Service) confirmer(cartID string) cart.Confirmer {
	return cart.ConfirmFunc(func(ctx context.Context, message string) (bool, error) {
		if replace, ok := ctx.Value(replaceKey{}).(bool); ok {
			metrics.StoreConflicts.WithLabelValues(answerLabel(replace)).Inc()
			return replace, nil
		}
		if s.hub == nil {
			metrics.StoreConflicts.WithLabelValues("unanswered").Inc()
			return false, nil
		}
		ok, err := s.hub.Prompt(ctx, cartID, message)
		switch {
		case err != nil:
			metrics.StoreConflicts.WithLabelValues("timeout").Inc()
		default:
			metrics.StoreConflicts.WithLabelValues(answerLabel(ok)).Inc()
		}
		return ok, err
	})
}

func answerLabel(accept bool) string {
	if accept {
		return "accepted"
	}
	return "declined"
}

// WithBearerToken moves the Authorization bearer token into the request
// context, where checkout and the order client pick it up.
func WithBearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			r = r.WithContext(orderapi.WithToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

// Register mounts the cart routes on r.
func (s *Service) Register(r chi.Router) {
	r.Use(WithBearerToken)

	r.Post("/carts", s.CreateCart)
	r.Get("/carts/{cartID}", s.GetCart)
	r.Delete("/carts/{cartID}", s.DeleteCart)
	r.Post("/carts/{cartID}/items", s.AddItem)
	r.Delete("/carts/{cartID}/items", s.ClearCart)
	r.Delete("/carts/{cartID}/items/{productID}", s.RemoveItem)
	r.Post("/carts/{cartID}/checkout", s.Checkout)
	r.Get("/carts/{cartID}/checkouts", s.ListCheckouts)
	r.Get("/carts/{cartID}/ws", s.HandleWS)
	r.Get("/checkouts/{checkoutID}", s.GetCheckout)
}

// --- Request/Response types ---

// AddItemRequest is the JSON body for POST /carts/{cartID}/items.
// Replace pre-answers a store conflict; when absent the shopper is asked
// over the cart's WebSocket.
type AddItemRequest struct {
	model.LineItem
	Replace *bool `json:"replace,omitempty"`
}

// CartView is the JSON representation of a cart.
type CartView struct {
	CartID     string           `json:"cart_id"`
	StoreID    *int64           `json:"store_id"`
	Items      []model.LineItem `json:"items"`
	TotalPrice string           `json:"total_price"`
	InFlight   bool             `json:"checkout_in_flight"`
}

// AddItemResponse is returned from a successful add.
type AddItemResponse struct {
	Outcome string   `json:"outcome"`
	Cart    CartView `json:"cart"`
}

func view(sess *Session) CartView {
	st := sess.Ledger.State()
	v := CartView{
		CartID:     sess.ID,
		Items:      st.Items,
		TotalPrice: st.TotalPrice,
		InFlight:   sess.Checkout.InFlight(),
	}
	if st.HasStore {
		v.StoreID = &st.StoreID
	}
	return v
}

// --- HTTP Handlers ---

// CreateCart handles POST /api/v1/carts
func (s *Service) CreateCart(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Open()
	slog.Info("cart opened", "cart_id", sess.ID)
	writeJSON(w, http.StatusCreated, view(sess))
}

// GetCart handles GET /api/v1/carts/{cartID}
func (s *Service) GetCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view(sess))
}

// DeleteCart handles DELETE /api/v1/carts/{cartID}
func (s *Service) DeleteCart(w http.ResponseWriter, r *http.Request) {
	cartID := chi.URLParam(r, "cartID")
	if !s.sessions.Close(cartID) {
		writeError(w, "cart not found", http.StatusNotFound)
		return
	}
	slog.Info("cart closed", "cart_id", cartID)
	w.WriteHeader(http.StatusNoContent)
}

// AddItem handles POST /api/v1/carts/{cartID}/items
func (s *Service) AddItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProductID <= 0 {
		writeError(w, "id is required", http.StatusBadRequest)
		return
	}
	if req.StoreID <= 0 {
		writeError(w, "store_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.Replace != nil {
		ctx = withReplace(ctx, *req.Replace)
	}

	outcome, err := sess.Ledger.AddItem(ctx, req.LineItem)
	if err == nil {
		metrics.CartAdds.WithLabelValues(outcome.String()).Inc()
	}
	switch {
	case errors.Is(err, cart.ErrInvalidQuantity), errors.Is(err, money.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.Warn("store conflict prompt failed", "cart_id", sess.ID, "err", err)
		writeError(w, "store change was not confirmed", http.StatusConflict)
		return
	case outcome == cart.OutcomeCancelled:
		writeError(w, "cart holds products from another store", http.StatusConflict)
		return
	}

	slog.Info("item added",
		"cart_id", sess.ID,
		"product_id", req.ProductID,
		"store_id", req.StoreID,
		"amount", req.Quantity,
		"outcome", outcome.String(),
	)

	v := view(sess)
	s.broadcastCart(v)
	writeJSON(w, http.StatusOK, AddItemResponse{Outcome: outcome.String(), Cart: v})
}

// RemoveItem handles DELETE /api/v1/carts/{cartID}/items/{productID}
func (s *Service) RemoveItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		writeError(w, "invalid product id", http.StatusBadRequest)
		return
	}

	sess.Ledger.RemoveItem(productID)
	slog.Info("item removed", "cart_id", sess.ID, "product_id", productID)

	v := view(sess)
	s.broadcastCart(v)
	writeJSON(w, http.StatusOK, v)
}

// ClearCart handles DELETE /api/v1/carts/{cartID}/items
func (s *Service) ClearCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	sess.Ledger.Clear()
	slog.Info("cart cleared", "cart_id", sess.ID)

	v := view(sess)
	s.broadcastCart(v)
	writeJSON(w, http.StatusOK, v)
}

// Checkout handles POST /api/v1/carts/{cartID}/checkout
func (s *Service) Checkout(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	conf, err := sess.Checkout.Checkout(r.Context())
	switch {
	case errors.Is(err, checkout.ErrNotAuthenticated):
		writeError(w, "login required", http.StatusUnauthorized)
		return
	case errors.Is(err, checkout.ErrNoStoreSelected):
		writeError(w, "cart is empty", http.StatusConflict)
		return
	case errors.Is(err, checkout.ErrAlreadyInProgress):
		writeError(w, "checkout already in progress", http.StatusConflict)
		return
	case errors.Is(err, checkout.ErrSubmissionFailed):
		var subErr *checkout.SubmissionError
		errors.As(err, &subErr)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":       "order submission failed",
			"checkout_id": subErr.CheckoutID,
		})
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(sess.ID, WSMessage{Type: "checkout_completed", CheckoutID: conf.CheckoutID})
	}
	s.broadcastCart(view(sess))
	writeJSON(w, http.StatusCreated, conf)
}

// ListCheckouts handles GET /api/v1/carts/{cartID}/checkouts
// Returns the cart's journal entries, oldest first.
func (s *Service) ListCheckouts(w http.ResponseWriter, r *http.Request) {
	cartID := chi.URLParam(r, "cartID")

	records, err := s.journal.ListCheckoutsByCart(r.Context(), cartID)
	if err != nil {
		writeError(w, "failed to list checkouts", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.CheckoutRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetCheckout handles GET /api/v1/checkouts/{checkoutID}
func (s *Service) GetCheckout(w http.ResponseWriter, r *http.Request) {
	checkoutID := chi.URLParam(r, "checkoutID")

	rec, err := s.journal.GetCheckout(r.Context(), checkoutID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "checkout not found", http.StatusNotFound)
		return
	case err != nil:
		writeError(w, "failed to load checkout", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleWS handles GET /api/v1/carts/{cartID}/ws
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, "websocket not enabled", http.StatusNotFound)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.hub.ServeCart(w, r, sess.ID)
}

func (s *Service) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "cartID"))
	if !ok {
		writeError(w, "cart not found", http.StatusNotFound)
	}
	return sess, ok
}

func (s *Service) broadcastCart(v CartView) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(v.CartID, WSMessage{
		Type:       "cart_updated",
		StoreID:    v.StoreID,
		Lines:      len(v.Items),
		TotalPrice: v.TotalPrice,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
