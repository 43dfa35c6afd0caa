// Package engine composes the synchronization engine and exposes the
// operations a chat UI calls: send, observe, page, retry, cancel.
package engine

import (
	"context"

	"github.com/mfigueira/whisper/internal/send"
	"github.com/mfigueira/whisper/internal/status"
	"github.com/mfigueira/whisper/internal/store"
	intsync "github.com/mfigueira/whisper/internal/sync"
)

// Engine is the facade over the composed components. All methods are safe
// for concurrent use.
type Engine struct {
	db           *store.DB
	coordinator  *send.Coordinator
	reconciler   *intsync.Reconciler
	orchestrator *intsync.Orchestrator
	machine      *status.Machine
}

// NewEngine wires the facade. Components are constructed and started by the
// fx module; the facade only dispatches.
func NewEngine(db *store.DB, c *send.Coordinator, r *intsync.Reconciler,
	o *intsync.Orchestrator, m *status.Machine) *Engine {
	return &Engine{
		db:           db,
		coordinator:  c,
		reconciler:   r,
		orchestrator: o,
		machine:      m,
	}
}

// Send submits an outgoing message and returns its client id. The message
// is visible in the conversation view when this returns; delivery proceeds
// asynchronously and offline sends wait in the outbox.
func (e *Engine) Send(conversationID string, plaintext []byte, replyTo string) (string, error) {
	return e.coordinator.Send(conversationID, plaintext, replyTo)
}

// Retry re-attempts a permanently failed send.
func (e *Engine) Retry(clientID string) error {
	return e.coordinator.Retry(clientID)
}

// CancelSend cancels a queued send. Returns false once transmission started.
func (e *Engine) CancelSend(conversationID, clientID string) (bool, error) {
	return e.coordinator.CancelSend(conversationID, clientID)
}

// Discard drops a permanently failed send.
func (e *Engine) Discard(conversationID, clientID string) error {
	return e.coordinator.Discard(conversationID, clientID)
}

// Observe streams canonical views of a conversation: current state first,
// then one per change. The returned func releases the observer.
func (e *Engine) Observe(conversationID string, bufSize int) (<-chan intsync.CanonicalView, func(), error) {
	return e.reconciler.Observe(conversationID, bufSize)
}

// Snapshot returns the current canonical view of a conversation.
func (e *Engine) Snapshot(conversationID string) (intsync.CanonicalView, error) {
	return e.reconciler.Snapshot(conversationID)
}

// LoadOlder pages history backwards from the given timestamp (unix millis;
// zero means newest). Messages come back in ascending order.
func (e *Engine) LoadOlder(conversationID string, beforeMillis int64, limit int) ([]*store.Message, error) {
	return e.db.ListPage(conversationID, beforeMillis, limit)
}

// Conversations lists locally known conversation ids.
func (e *Engine) Conversations() ([]string, error) {
	return e.db.Conversations()
}

// RetryDecryption re-runs key exchange and decryption for a message shown
// as undecryptable.
func (e *Engine) RetryDecryption(ctx context.Context, conversationID, serverID string) error {
	return e.reconciler.RetryDecryption(ctx, conversationID, serverID)
}

// SetForeground signals app visibility; the foreground edge triggers a
// sync pass.
func (e *Engine) SetForeground(fg bool) {
	e.machine.SetForeground(fg)
}

// SyncNow requests an immediate replay-and-backfill pass.
func (e *Engine) SyncNow() {
	e.orchestrator.Kick()
}

// Status returns the current connectivity state.
func (e *Engine) Status() status.State {
	return e.machine.Current()
}
