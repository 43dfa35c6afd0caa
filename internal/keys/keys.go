// Package keys is the boundary to the external key-exchange collaborator.
// The per-conversation protocol that establishes a shared symmetric key is
// not implemented here; the engine only consumes its result.
package keys

import (
	"context"
	"fmt"
	"sync"
)

// RootKeyLen is the required length of an exchanged root key.
const RootKeyLen = 32

// Handle is an opaque reference to the shared symmetric key of a
// conversation. The raw bytes never leave the cipher layer.
type Handle struct {
	root []byte
}

// NewHandle wraps exchanged root key material. The slice is copied.
func NewHandle(root []byte) (Handle, error) {
	if len(root) != RootKeyLen {
		return Handle{}, fmt.Errorf("root key length %d, want %d", len(root), RootKeyLen)
	}
	h := Handle{root: make([]byte, RootKeyLen)}
	copy(h.root, root)
	return h, nil
}

// Root exposes the key material to the cipher layer.
func (h Handle) Root() []byte {
	return h.root
}

// Valid reports whether the handle carries key material.
func (h Handle) Valid() bool {
	return len(h.root) == RootKeyLen
}

// Exchanger is the external key-exchange service. It may retry internally;
// repeated failures are tolerated by deferring encryption, never by crashing.
type Exchanger interface {
	EnsureKey(ctx context.Context, conversationID string) (Handle, error)
}

// ExchangeError is a retryable key-exchange failure. A message waiting on it
// stays pending ("securing") until a later attempt succeeds.
type ExchangeError struct {
	ConversationID string
	Err            error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("key exchange for %s: %v", e.ConversationID, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Ring memoizes resolved key handles per conversation. Drop invalidates a
// handle so the next resolve re-runs the exchange (manual decryption retry).
type Ring struct {
	mu        sync.Mutex
	exchanger Exchanger
	handles   map[string]Handle
}

// NewRing creates a caching ring over the given exchanger.
func NewRing(exchanger Exchanger) *Ring {
	return &Ring{
		exchanger: exchanger,
		handles:   make(map[string]Handle),
	}
}

// Get returns the conversation's key handle, resolving it on first use.
// Failures are returned as *ExchangeError and nothing is cached.
func (r *Ring) Get(ctx context.Context, conversationID string) (Handle, error) {
	r.mu.Lock()
	if h, ok := r.handles[conversationID]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	// Exchange outside the lock: it can block on the network.
	h, err := r.exchanger.EnsureKey(ctx, conversationID)
	if err != nil {
		return Handle{}, &ExchangeError{ConversationID: conversationID, Err: err}
	}
	if !h.Valid() {
		return Handle{}, &ExchangeError{ConversationID: conversationID, Err: fmt.Errorf("exchanger returned invalid handle")}
	}

	r.mu.Lock()
	r.handles[conversationID] = h
	r.mu.Unlock()
	return h, nil
}

// Drop forgets a cached handle.
func (r *Ring) Drop(conversationID string) {
	r.mu.Lock()
	delete(r.handles, conversationID)
	r.mu.Unlock()
}
