package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deliverycart/cart-engine/internal/checkout"
	"github.com/deliverycart/cart-engine/internal/model"
	"github.com/deliverycart/cart-engine/internal/money"
	"github.com/deliverycart/cart-engine/internal/orderapi"
	"github.com/deliverycart/cart-engine/internal/server"
	"github.com/deliverycart/cart-engine/internal/store"
)

// fakeOrders records submitted orders and the token they carried.
type fakeOrders struct {
	mu     sync.Mutex
	orders []model.OrderRequest
	tokens []string
	err    error
}

func (f *fakeOrders) CreateOrder(ctx context.Context, req model.OrderRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, _ := orderapi.TokenFrom(ctx)
	f.orders = append(f.orders, req)
	f.tokens = append(f.tokens, tok)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"order":{"id":42}}`), nil
}

type testEnv struct {
	svc     *server.Service
	journal *store.MemoryStore
	orders  *fakeOrders
	router  chi.Router
}

// newTestEnv creates a Service with in-memory journal and chi router.
func newTestEnv(t *testing.T, requireLogin bool) *testEnv {
	t.Helper()
	env := &testEnv{journal: store.NewMemoryStore(), orders: &fakeOrders{}}
	env.svc = server.NewService(env.journal, env.orders, nil, server.Options{
		Locale:        money.BRL,
		SubmitTimeout: time.Second,
		RequireLogin:  requireLogin,
	})
	r := chi.NewRouter()
	r.Route("/api/v1", env.svc.Register)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) openCart(t *testing.T) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/carts", nil, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("open cart: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var v server.CartView
	json.NewDecoder(w.Body).Decode(&v)
	if v.CartID == "" {
		t.Fatal("expected cart id")
	}
	return v.CartID
}

func addReq(productID, storeID int64, amount int, price string) map[string]any {
	return map[string]any{
		"id":       productID,
		"title":    "Pizza",
		"amount":   amount,
		"price":    price,
		"store_id": storeID,
	}
}

func decodeAdd(t *testing.T, w *httptest.ResponseRecorder) server.AddItemResponse {
	t.Helper()
	var resp server.AddItemResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode add response: %v", err)
	}
	return resp
}

// --- Cart tests ---

func TestCreateCart_Empty(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, "POST", "/api/v1/carts", nil, "")

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var v server.CartView
	json.NewDecoder(w.Body).Decode(&v)
	if v.StoreID != nil {
		t.Errorf("expected no store, got %d", *v.StoreID)
	}
	if len(v.Items) != 0 {
		t.Errorf("expected no items, got %d", len(v.Items))
	}
	if v.TotalPrice != "R$ 0,00" {
		t.Errorf("expected R$ 0,00, got %s", v.TotalPrice)
	}
	if env.svc.Sessions().Len() != 1 {
		t.Errorf("expected 1 session, got %d", env.svc.Sessions().Len())
	}
}

func TestGetCart_NotFound(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, "GET", "/api/v1/carts/nope", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAddItem_AddAndMerge(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.openCart(t)

	w := env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(1, 7, 2, "R$ 10,00"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeAdd(t, w); resp.Outcome != "added" {
		t.Errorf("expected added, got %s", resp.Outcome)
	}

	w = env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(1, 7, 1, "R$ 10,00"), "")
	resp := decodeAdd(t, w)
	if resp.Outcome != "merged" {
		t.Errorf("expected merged, got %s", resp.Outcome)
	}
	if len(resp.Cart.Items) != 1 || resp.Cart.Items[0].Quantity != 3 {
		t.Fatalf("expected one line of 3, got %+v", resp.Cart.Items)
	}
	if resp.Cart.Items[0].TotalPrice != "R$ 30,00" {
		t.Errorf("expected line total R$ 30,00, got %s", resp.Cart.Items[0].TotalPrice)
	}
	if resp.Cart.TotalPrice != "R$ 30,00" {
		t.Errorf("expected cart total R$ 30,00, got %s", resp.Cart.TotalPrice)
	}
	if resp.Cart.StoreID == nil || *resp.Cart.StoreID != 7 {
		t.Errorf("expected store 7, got %v", resp.Cart.StoreID)
	}
}

func TestAddItem_Validation(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.openCart(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing product", addReq(0, 7, 1, "R$ 1,00")},
		{"missing store", addReq(1, 0, 1, "R$ 1,00")},
		{"zero amount", addReq(1, 7, 0, "R$ 1,00")},
		{"bad price", addReq(1, 7, 1, "free")},
		{"negative price", addReq(1, 7, 1, "R$ -5,00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/carts/"+id+"/items", tt.body, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/carts/"+id+"/items", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
}

func TestAddItem_StoreConflictWithoutAnswerIsDeclined(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.openCart(t)
	env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(1, 7, 1, "R$ 10,00"), "")

	w := env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(2, 8, 1, "R$ 5,00"), "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/carts/"+id, nil, "")
	var v server.CartView
	json.NewDecoder(w.Body).Decode(&v)
	if len(v.Items) != 1 || v.Items[0].ProductID != 1 || *v.StoreID != 7 {
		t.Errorf("cart changed after declined conflict: %+v", v)
	}
}

func TestAddItem_StoreConflictReplace(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.openCart(t)
	env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(1, 7, 1, "R$ 10,00"), "")

	body := addReq(2, 8, 1, "R$ 5,00")
	body["replace"] = true
	w := env.do(t, "POST", "/api/v1/carts/"+id+"/items", body, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeAdd(t, w)
	if resp.Outcome != "replaced" {
		t.Errorf("expected replaced, got %s", resp.Outcome)
	}
	if len(resp.Cart.Items) != 1 || resp.Cart.Items[0].ProductID != 2 || *resp.Cart.StoreID != 8 {
		t.Errorf("expected cart replaced by store 8 product, got %+v", resp.Cart)
	}

	body["replace"] = false
	body["id"] = 3
	body["store_id"] = 9
	if w := env.do(t, "POST", "/api/v1/carts/"+id+"/items", body, ""); w.Code != http.StatusConflict {
		t.Errorf("replace=false: expected 409, got %d", w.Code)
	}
}

func TestRemoveItem(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.openCart(t)
	env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(1, 7, 1, "R$ 10,00"), "")
	env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(2, 7, 2, "R$ 2,50"), "")

	w := env.do(t, "DELETE", "/api/v1/carts/"+id+"/items/1", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var v server.CartView
	json.NewDecoder(w.Body).Decode(&v)
	if len(v.Items) != 1 || v.TotalPrice != "R$ 5,00" {
		t.Errorf("unexpected cart after remove: %+v", v)
	}

	w = env.do(t, "DELETE", "/api/v1/carts/"+id+"/items/2", nil, "")
	json.NewDecoder(w.Body).Decode(&v)
	if v.StoreID != nil {
		t.Errorf("expected store cleared once the cart is empty, got %d", *v.StoreID)
	}

	if w := env.do(t, "DELETE", "/api/v1/carts/"+id+"/items/abc", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid product id, got %d", w.Code)
	}
}

func TestClearAndDeleteCart(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.openCart(t)
	env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(1, 7, 1, "R$ 10,00"), "")

	w := env.do(t, "DELETE", "/api/v1/carts/"+id+"/items", nil, "")
	var v server.CartView
	json.NewDecoder(w.Body).Decode(&v)
	if len(v.Items) != 0 || v.StoreID != nil || v.TotalPrice != "R$ 0,00" {
		t.Errorf("expected empty cart, got %+v", v)
	}

	if w := env.do(t, "DELETE", "/api/v1/carts/"+id, nil, ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/carts/"+id, nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/carts/"+id, nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
}

// --- Checkout tests ---

func TestCheckout_Success(t *testing.T) {
	env := newTestEnv(t, true)
	id := env.openCart(t)
	env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(1, 7, 2, "R$ 10,00"), "")
	env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(2, 7, 1, "R$ 5,50"), "")

	w := env.do(t, "POST", "/api/v1/carts/"+id+"/checkout", nil, "tok")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var conf model.OrderConfirmation
	json.NewDecoder(w.Body).Decode(&conf)
	if string(conf.Payload) != `{"order":{"id":42}}` {
		t.Errorf("unexpected payload %s", conf.Payload)
	}

	if len(env.orders.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(env.orders.orders))
	}
	got := env.orders.orders[0].Order
	if got.StoreID != 7 || len(got.OrderItems) != 2 || got.OrderItems[0].Amount != 2 {
		t.Errorf("unexpected order %+v", got)
	}
	if env.orders.tokens[0] != "tok" {
		t.Errorf("expected bearer token forwarded, got %q", env.orders.tokens[0])
	}

	w = env.do(t, "GET", "/api/v1/carts/"+id, nil, "")
	var v server.CartView
	json.NewDecoder(w.Body).Decode(&v)
	if len(v.Items) != 0 || v.StoreID != nil {
		t.Errorf("expected empty cart after checkout, got %+v", v)
	}

	w = env.do(t, "GET", "/api/v1/checkouts/"+conf.CheckoutID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from journal, got %d", w.Code)
	}
	var rec model.CheckoutRecord
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.Status != model.CheckoutSucceeded || rec.CartID != id {
		t.Errorf("unexpected journal record %+v", rec)
	}

	w = env.do(t, "GET", "/api/v1/carts/"+id+"/checkouts", nil, "")
	var recs []model.CheckoutRecord
	json.NewDecoder(w.Body).Decode(&recs)
	if len(recs) != 1 || recs[0].ID != conf.CheckoutID {
		t.Errorf("expected the checkout listed for the cart, got %+v", recs)
	}
}

func TestCheckout_RequiresLogin(t *testing.T) {
	env := newTestEnv(t, true)
	id := env.openCart(t)
	env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(1, 7, 1, "R$ 10,00"), "")

	w := env.do(t, "POST", "/api/v1/carts/"+id+"/checkout", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if len(env.orders.orders) != 0 {
		t.Error("expected no order submitted")
	}
}

func TestCheckout_EmptyCart(t *testing.T) {
	for _, requireLogin := range []bool{false, true} {
		env := newTestEnv(t, requireLogin)
		id := env.openCart(t)

		w := env.do(t, "POST", "/api/v1/carts/"+id+"/checkout", nil, "")
		if w.Code != http.StatusConflict {
			t.Errorf("requireLogin=%v: expected 409, got %d", requireLogin, w.Code)
		}
	}
}

func TestCheckout_SubmissionFailed(t *testing.T) {
	env := newTestEnv(t, false)
	env.orders.err = errors.New("upstream down")
	id := env.openCart(t)
	env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(1, 7, 1, "R$ 10,00"), "")

	w := env.do(t, "POST", "/api/v1/carts/"+id+"/checkout", nil, "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["checkout_id"] == "" {
		t.Error("expected checkout_id in error body")
	}

	w = env.do(t, "GET", "/api/v1/carts/"+id, nil, "")
	var v server.CartView
	json.NewDecoder(w.Body).Decode(&v)
	if len(v.Items) != 1 {
		t.Errorf("expected cart kept after failed checkout, got %+v", v)
	}

	w = env.do(t, "GET", "/api/v1/checkouts/"+body["checkout_id"], nil, "")
	var rec model.CheckoutRecord
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.Status != model.CheckoutFailed || rec.Error != "upstream down" {
		t.Errorf("unexpected journal record %+v", rec)
	}
}

func TestGetCheckout_NotFound(t *testing.T) {
	env := newTestEnv(t, false)
	if w := env.do(t, "GET", "/api/v1/checkouts/missing", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListCheckouts_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, "GET", "/api/v1/carts/unknown/checkouts", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

func TestCheckout_OrdersNotConfigured(t *testing.T) {
	journal := store.NewMemoryStore()
	orders := checkout.OrderCreatorFunc(func(context.Context, model.OrderRequest) (json.RawMessage, error) {
		return nil, errors.New("order api not configured")
	})
	svc := server.NewService(journal, orders, nil, server.Options{Locale: money.BRL})
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Register)
	env := &testEnv{svc: svc, journal: journal, router: r}

	id := env.openCart(t)
	env.do(t, "POST", "/api/v1/carts/"+id+"/items", addReq(1, 7, 1, "R$ 10,00"), "")
	if w := env.do(t, "POST", "/api/v1/carts/"+id+"/checkout", nil, ""); w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}
