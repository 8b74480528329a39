package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deliverycart/cart-engine/internal/cart"
	"github.com/deliverycart/cart-engine/internal/checkout"
	"github.com/deliverycart/cart-engine/internal/metrics"
)

// Session is one shopper's cart together with its checkout orchestrator.
type Session struct {
	ID        string
	Ledger    *cart.Ledger
	Checkout  *checkout.Orchestrator
	CreatedAt time.Time
}

// Registry tracks open cart sessions by ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	build    func(id string) *Session
}

// NewRegistry creates a registry that uses build to assemble new sessions.
func NewRegistry(build func(id string) *Session) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		build:    build,
	}
}

// Open creates a session with a fresh ID.
func (r *Registry) Open() *Session {
	id := uuid.New().String()
	sess := r.build(id)
	sess.ID = id
	sess.CreatedAt = time.Now().UTC()

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	metrics.ActiveCarts.Inc()
	return sess
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Close drops the session and resets its cart. It reports whether the
// session existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	sess.Ledger.Reset()
	metrics.ActiveCarts.Dec()
	return true
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
