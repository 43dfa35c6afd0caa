// Package send coordinates one outgoing message: encrypt, enqueue,
// transmit, await ack, with a bounded fallback timer.
package send

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mfigueira/whisper/internal/bus"
	"github.com/mfigueira/whisper/internal/cipher"
	"github.com/mfigueira/whisper/internal/keys"
	"github.com/mfigueira/whisper/internal/status"
	"github.com/mfigueira/whisper/internal/store"
	intsync "github.com/mfigueira/whisper/internal/sync"
	"github.com/mfigueira/whisper/internal/transport"
	"go.uber.org/zap"
)

// sendTimeout bounds one transmission attempt.
const sendTimeout = 15 * time.Second

// Coordinator runs the send pipeline. Send returns immediately; every
// network step happens off the caller's goroutine.
type Coordinator struct {
	db         *store.DB
	cipher     *cipher.Cipher
	client     transport.Client
	reconciler *intsync.Reconciler
	machine    *status.Machine
	bus        *bus.Bus
	retention  *RetentionTable
	logger     *zap.Logger

	allowPlaintextFallback bool
	fallbackTimer          time.Duration

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	cancel context.CancelFunc
}

// NewCoordinator creates a coordinator.
func NewCoordinator(db *store.DB, ciph *cipher.Cipher, client transport.Client,
	r *intsync.Reconciler, machine *status.Machine, b *bus.Bus, retention *RetentionTable,
	allowPlaintextFallback bool, fallbackTimer time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:                     db,
		cipher:                 ciph,
		client:                 client,
		reconciler:             r,
		machine:                machine,
		bus:                    b,
		retention:              retention,
		logger:                 logger,
		allowPlaintextFallback: allowPlaintextFallback,
		fallbackTimer:          fallbackTimer,
		timers:                 make(map[string]*time.Timer),
	}
}

// Start subscribes to sync confirmations (to cancel fallback timers) and
// begins the retention sweep.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("send.synced", 64)

	go func() {
		defer unsub()
		sweep := time.NewTicker(time.Minute)
		defer sweep.Stop()
		for {
			select {
			case evt := <-ch:
				if clientID, ok := evt.Payload.(string); ok {
					c.cancelFallback(clientID)
				}
			case <-sweep.C:
				c.retention.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the coordinator and any armed fallback timers.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.timersMu.Lock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.timersMu.Unlock()
}

// Send accepts an outgoing message and returns its client id immediately.
// The message is visible in the canonical view before this returns (the
// optimistic insert); the pipeline continues asynchronously. Offline, the
// message stays queued in the outbox until the orchestrator replays it.
func (c *Coordinator) Send(conversationID string, plaintext []byte, replyTo string) (string, error) {
	clientID := uuid.NewString()
	now := time.Now().UnixMilli()

	// The explicit per-send ownership record for the plaintext. The server
	// never echoes plaintext for own messages, so losing this would blank
	// the message once the canonical record replaces the optimistic one.
	c.retention.Put(clientID, plaintext)

	entry := &store.PendingSend{
		ClientID:       clientID,
		ConversationID: conversationID,
		Plaintext:      plaintext,
		ReplyTo:        replyTo,
		CreatedAt:      now,
	}
	if err := c.db.Enqueue(entry); err != nil {
		return "", fmt.Errorf("enqueue send: %w", err)
	}

	msg := &store.Message{
		ConversationID: conversationID,
		ClientID:       clientID,
		IsMine:         true,
		Plaintext:      plaintext,
		CreatedAt:      now,
		DeliveryState:  store.Queued,
		SyncState:      store.SyncPending,
	}
	if err := c.reconciler.ApplyOptimistic(msg); err != nil {
		return "", err
	}

	if c.machine == nil || c.machine.IsOnline() {
		go func() {
			if err := c.Transmit(context.Background(), entry); err != nil {
				c.logger.Warn("send attempt failed",
					zap.String("client_id", clientID), zap.Error(err))
			}
		}()
	}
	return clientID, nil
}

// Transmit runs one transmission attempt for an outbox entry: encrypt,
// send, ack. Synchronous — outbox replay depends on it to preserve FIFO
// order. Failures are recorded on the entry and the message.
func (c *Coordinator) Transmit(ctx context.Context, entry *store.PendingSend) error {
	won, err := c.db.MarkSending(entry.ClientID)
	if err != nil {
		return err
	}
	if !won {
		// Another transmission already claimed the entry (a manual retry
		// racing outbox replay, or a replay racing the send goroutine).
		// Exactly one claimant may put the send on the wire.
		return fmt.Errorf("send %s already in flight", entry.ClientID)
	}
	_ = c.reconciler.SetDeliveryState(entry.ConversationID, entry.ClientID, store.Sending, "")

	env := transport.Envelope{
		ConversationID: entry.ConversationID,
		ClientID:       entry.ClientID,
		ReplyTo:        entry.ReplyTo,
		CreatedAt:      entry.CreatedAt,
	}

	ciphertext, iv, err := c.cipher.Encrypt(ctx, entry.ConversationID, entry.Plaintext)
	switch {
	case err == nil:
		env.Ciphertext = ciphertext
		env.IV = iv
	case isExchangeErr(err):
		// Key not established yet. Defer, don't fail: the entry goes back
		// to queued and the message stays visibly "securing".
		_ = c.db.Requeue(entry.ClientID)
		return err
	default:
		if !c.allowPlaintextFallback {
			c.recordFailure(entry, err)
			return err
		}
		c.logger.Warn("encryption failed, falling back to plaintext per policy",
			zap.String("client_id", entry.ClientID), zap.Error(err))
		env.Plaintext = entry.Plaintext
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	ack, err := c.client.Send(sendCtx, env)
	cancel()
	if err != nil {
		c.recordFailure(entry, err)
		return err
	}

	// Acknowledged: the outbox no longer owns this message.
	if err := c.db.Ack(entry.ClientID); err != nil {
		return err
	}
	c.retention.Alias(ack.ServerID, entry.ClientID)
	if err := c.reconciler.ApplyAck(entry.ConversationID, entry.ClientID, ack); err != nil {
		return err
	}
	c.armFallback(entry.ConversationID, entry.ClientID)

	c.bus.Publish(bus.Event{
		Kind:      "send.acked",
		Timestamp: time.Now(),
		Payload:   map[string]string{"client_id": entry.ClientID, "server_id": ack.ServerID},
	})
	return nil
}

// Retry re-runs transmission for a failed send. Manual: it bypasses the
// automatic retry ceiling.
func (c *Coordinator) Retry(clientID string) error {
	entry, err := c.db.GetPending(clientID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("no pending send with client id %s", clientID)
	}
	if entry.Status != store.OutboxFailed {
		return fmt.Errorf("send %s is %s, not failed", clientID, entry.Status)
	}
	_ = c.reconciler.SetDeliveryState(entry.ConversationID, clientID, store.Sending, "")

	go func() {
		if err := c.Transmit(context.Background(), entry); err != nil {
			c.logger.Warn("manual retry failed", zap.String("client_id", clientID), zap.Error(err))
		}
	}()
	return nil
}

// CancelSend cancels a queued send. Allowed only before transmission has
// started; returns false once the entry is sending.
func (c *Coordinator) CancelSend(conversationID, clientID string) (bool, error) {
	ok, err := c.db.Cancel(clientID)
	if err != nil || !ok {
		return false, err
	}
	if err := c.reconciler.Discard(conversationID, clientID); err != nil {
		return true, err
	}
	return true, nil
}

// Discard drops a permanently failed send entirely.
func (c *Coordinator) Discard(conversationID, clientID string) error {
	if err := c.db.Ack(clientID); err != nil { // remove whatever outbox row remains
		return err
	}
	return c.reconciler.Discard(conversationID, clientID)
}

func (c *Coordinator) recordFailure(entry *store.PendingSend, cause error) {
	if err := c.db.UpdateRetry(entry.ClientID, cause.Error()); err != nil {
		c.logger.Error("failed to record retry", zap.Error(err))
	}
	_ = c.reconciler.SetDeliveryState(entry.ConversationID, entry.ClientID, store.Failed, cause.Error())
	c.bus.Publish(bus.Event{
		Kind:      "send.failed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"client_id": entry.ClientID, "error": cause.Error()},
	})
}

// armFallback starts the bounded timer that synthesizes the canonical
// record from the ack if the push event never arrives, so an accepted
// message is never stuck invisible-pending.
func (c *Coordinator) armFallback(conversationID, clientID string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if _, ok := c.timers[clientID]; ok {
		return
	}
	c.timers[clientID] = time.AfterFunc(c.fallbackTimer, func() {
		c.cancelFallback(clientID)
		if err := c.reconciler.ConfirmFromAck(conversationID, clientID); err != nil {
			c.logger.Error("fallback confirm failed", zap.String("client_id", clientID), zap.Error(err))
		}
	})
}

// cancelFallback stops and forgets the timer for a client id. Idempotent:
// the push event and the timer itself both call it, in either order, and
// ConfirmFromAck no-ops once the message is synced — so the race between a
// push arriving just before the timer fires still yields exactly one
// canonical record.
func (c *Coordinator) cancelFallback(clientID string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[clientID]; ok {
		t.Stop()
		delete(c.timers, clientID)
	}
}

func isExchangeErr(err error) bool {
	var xe *keys.ExchangeError
	return errors.As(err, &xe)
}
