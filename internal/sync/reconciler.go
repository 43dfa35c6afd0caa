package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mfigueira/whisper/internal/bus"
	"github.com/mfigueira/whisper/internal/cipher"
	"github.com/mfigueira/whisper/internal/keys"
	"github.com/mfigueira/whisper/internal/store"
	"github.com/mfigueira/whisper/internal/transport"
	"go.uber.org/zap"
)

// maxBufferedEvents caps the per-conversation buffer of events that arrived
// before their base message. Oldest entries are dropped first.
const maxBufferedEvents = 256

// Retention looks up the originally submitted plaintext of an in-flight own
// send by client or server id. Implemented by the send coordinator's
// retention table; the push/ack copies of one's own messages carry no
// usable plaintext, so this is the only source.
type Retention interface {
	Lookup(id string) ([]byte, bool)
}

// Reconciler merges locally-originated optimistic state, server
// acknowledgements, and push-delivered events into one deduplicated,
// chronologically ordered view per conversation.
//
// It is the single serialization point for the three asynchronous sources
// racing to resolve the same logical send: all mutations to a conversation
// run under that conversation's lock, and conversations are independent.
type Reconciler struct {
	db        *store.DB
	cipher    *cipher.Cipher
	retention Retention
	bus       *bus.Bus
	logger    *zap.Logger

	matchWindow time.Duration
	eventGrace  time.Duration
	pageSize    int

	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	mu       sync.Mutex
	id       string
	loaded   bool
	msgs     []*store.Message
	buffered []bufferedEvent

	obsMu   sync.Mutex
	obs     map[int]chan CanonicalView
	nextObs int
}

type bufferedEvent struct {
	evt      transport.DeliveryEvent
	deadline time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(db *store.DB, ciph *cipher.Cipher, ret Retention, b *bus.Bus,
	matchWindow, eventGrace time.Duration, pageSize int, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:          db,
		cipher:      ciph,
		retention:   ret,
		bus:         b,
		logger:      logger,
		matchWindow: matchWindow,
		eventGrace:  eventGrace,
		pageSize:    pageSize,
		convs:       make(map[string]*conversation),
	}
}

// conv returns the conversation state, creating and lazily loading it.
func (r *Reconciler) conv(conversationID string) (*conversation, error) {
	r.mu.Lock()
	c, ok := r.convs[conversationID]
	if !ok {
		c = &conversation{id: conversationID, obs: make(map[int]chan CanonicalView)}
		r.convs[conversationID] = c
	}
	r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		msgs, err := r.db.ListPage(conversationID, 0, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
		}
		c.msgs = msgs
		sortView(c.msgs)
		c.loaded = true
	}
	return c, nil
}

// ApplyOptimistic inserts a locally-originated message into the view before
// any server confirmation. The UI-facing guarantee: perceived latency is zero.
func (r *Reconciler) ApplyOptimistic(m *store.Message) error {
	c, err := r.conv(m.ConversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if findByClientID(c.msgs, m.ClientID) != nil {
		return nil // duplicate send() call for the same client id
	}
	c.msgs = append(c.msgs, m)
	sortView(c.msgs)
	if err := r.db.Upsert(m); err != nil {
		return err
	}
	r.publish(c)
	return nil
}

// SetDeliveryState transitions a message's delivery state by client id.
// Invalid (non-advancing) transitions are ignored except the explicit
// Failed -> Sending manual retry, which Advances permits.
func (r *Reconciler) SetDeliveryState(conversationID, clientID string, state store.DeliveryState, lastError string) error {
	c, err := r.conv(conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := findByClientID(c.msgs, clientID)
	if m == nil {
		return fmt.Errorf("no message with client id %s in %s", clientID, conversationID)
	}
	if !store.Advances(m.DeliveryState, state) {
		return nil
	}
	m.DeliveryState = state
	if lastError != "" {
		m.LastError = lastError
		m.RetryCount++
	}
	if err := r.db.Upsert(m); err != nil {
		return err
	}
	r.publish(c)
	return nil
}

// ApplyAck records the server's acceptance of a send: the message gains its
// server id and moves to Sent. The copy stays sync-pending until the push
// event (or the fallback timer) confirms the canonical record.
func (r *Reconciler) ApplyAck(conversationID, clientID string, ack transport.ServerAck) error {
	c, err := r.conv(conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := findByClientID(c.msgs, clientID)
	if m == nil {
		return fmt.Errorf("ack for unknown client id %s in %s", clientID, conversationID)
	}
	m.ServerID = ack.ServerID
	if ack.Timestamp > 0 {
		m.CreatedAt = ack.Timestamp
	}
	if store.Advances(m.DeliveryState, store.Sent) {
		m.DeliveryState = store.Sent
	}
	sortView(c.msgs)
	if err := r.db.Upsert(m); err != nil {
		return err
	}
	r.drainBuffered(c, ack.ServerID, nil)
	r.publish(c)
	return nil
}

// ConfirmFromAck synthesizes the canonical record from the send
// acknowledgement. The fallback timer calls it when no push event arrived in
// time; if the push won the race the message is already synced and this is a
// no-op, so a timer firing after a late cancel never inserts a duplicate.
func (r *Reconciler) ConfirmFromAck(conversationID, clientID string) error {
	c, err := r.conv(conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := findByClientID(c.msgs, clientID)
	if m == nil || m.ServerID == "" || m.SyncState != store.SyncPending {
		return nil
	}
	m.SyncState = store.Synced
	if err := r.db.Upsert(m); err != nil {
		return err
	}
	r.notifySynced(m.ClientID)
	r.publish(c)
	return nil
}

// ApplyEvent routes one push-channel event through the merge.
func (r *Reconciler) ApplyEvent(ctx context.Context, evt transport.DeliveryEvent) error {
	c, err := r.conv(evt.ConversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if evt.Kind == transport.EventNewMessage {
		return r.applyNewMessage(ctx, c, evt, nil)
	}
	return r.applyStateEvent(c, evt, nil)
}

// writeBatch collects the messages touched during a bulk merge so the whole
// window lands in one transaction instead of one write per event.
type writeBatch struct {
	seen map[*store.Message]bool
	msgs []*store.Message
}

func (b *writeBatch) add(m *store.Message) {
	if b.seen[m] {
		return
	}
	b.seen[m] = true
	b.msgs = append(b.msgs, m)
}

// persist writes a merged message: immediately for live events, deferred
// into the batch during a bulk merge.
func (r *Reconciler) persist(sink *writeBatch, m *store.Message) error {
	if sink != nil {
		sink.add(m)
		return nil
	}
	return r.db.Upsert(m)
}

// BulkMerge applies a backfill window. Events run through the same merge as
// live pushes, under one conversation lock, so optimistic entries still in
// flight are matched or left alone — never clobbered. Rows touched by the
// window are persisted together at the end.
func (r *Reconciler) BulkMerge(ctx context.Context, conversationID string, events []transport.DeliveryEvent) error {
	c, err := r.conv(conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	sink := &writeBatch{seen: make(map[*store.Message]bool)}
	var firstErr error
	for _, evt := range events {
		if evt.ConversationID != conversationID {
			continue
		}
		var err error
		if evt.Kind == transport.EventNewMessage {
			err = r.applyNewMessage(ctx, c, evt, sink)
		} else {
			err = r.applyStateEvent(c, evt, sink)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.db.UpsertBatch(sink.msgs); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// applyNewMessage merges a canonical message record. Matching precedence:
// exact client id, exact server id, then (own messages only) best-effort
// timestamp-window match against unmatched optimistic entries.
func (r *Reconciler) applyNewMessage(ctx context.Context, c *conversation, evt transport.DeliveryEvent, sink *writeBatch) error {
	var m *store.Message
	if evt.ClientID != "" {
		m = findByClientID(c.msgs, evt.ClientID)
	}
	if m == nil && evt.ServerID != "" {
		m = findByServerID(c.msgs, evt.ServerID)
	}
	if m == nil && evt.IsMine {
		m = r.matchByWindow(c, evt)
	}

	if m == nil {
		m = &store.Message{
			ConversationID: evt.ConversationID,
			ClientID:       evt.ClientID,
			SenderID:       evt.SenderID,
			IsMine:         evt.IsMine,
			CreatedAt:      evt.CreatedAt,
			DeliveryState:  store.Sent,
			SyncState:      store.Synced,
		}
		c.msgs = append(c.msgs, m)
	}

	wasPending := m.SyncState == store.SyncPending

	// Adopt the canonical identity and timestamps.
	if evt.ServerID != "" {
		m.ServerID = evt.ServerID
	}
	if evt.CreatedAt > 0 {
		m.CreatedAt = evt.CreatedAt
	}
	if evt.SenderID != "" {
		m.SenderID = evt.SenderID
	}
	if evt.Ciphertext != nil {
		m.Ciphertext = evt.Ciphertext
		m.IV = evt.IV
	}
	if store.Advances(m.DeliveryState, store.Sent) {
		m.DeliveryState = store.Sent
	}
	m.SyncState = store.Synced
	m.LastError = ""

	r.resolvePlaintext(ctx, m, evt)

	sortView(c.msgs)
	if err := r.persist(sink, m); err != nil {
		return err
	}
	if m.ServerID != "" {
		r.drainBuffered(c, m.ServerID, sink)
	}
	if wasPending && m.ClientID != "" {
		r.notifySynced(m.ClientID)
	}
	r.publish(c)
	return nil
}

// resolvePlaintext fills m.Plaintext. Own messages never get plaintext from
// the server (it holds only ciphertext encrypted to the recipient's key), so
// the optimistic copy or the retention table is the source of truth; other
// senders' messages are decrypted, degrading to a typed placeholder.
func (r *Reconciler) resolvePlaintext(ctx context.Context, m *store.Message, evt transport.DeliveryEvent) {
	if len(m.Plaintext) > 0 {
		return
	}
	if len(evt.Plaintext) > 0 {
		// Sender used the policy-permitted plaintext fallback.
		m.Plaintext = evt.Plaintext
		return
	}
	if m.IsMine {
		if r.retention != nil {
			if pt, ok := r.retention.Lookup(m.ClientID); ok {
				m.Plaintext = pt
				return
			}
			if pt, ok := r.retention.Lookup(m.ServerID); ok {
				m.Plaintext = pt
				return
			}
		}
		return
	}
	if len(m.Ciphertext) == 0 {
		return
	}

	pt, err := r.cipher.Decrypt(ctx, m.ConversationID, m.Ciphertext, m.IV)
	switch {
	case err == nil:
		m.Plaintext = pt
	case isExchangeErr(err):
		// Key not established yet; retried transparently. The message
		// stays pending and visibly "securing".
		m.SyncState = store.SyncPending
		m.LastError = err.Error()
	default:
		// Corrupt ciphertext. Never propagates: the message renders as
		// an explicit placeholder and only this message is affected.
		m.Plaintext = []byte(cipher.PlaceholderUndecryptable)
		m.SyncState = store.SyncError
		m.LastError = err.Error()
		r.logger.Warn("undecryptable message",
			zap.String("conversation_id", m.ConversationID),
			zap.String("server_id", m.ServerID))
	}
}

// matchByWindow is the best-effort reconciliation for self-authored push
// events, which carry no client id. Prefers the smallest |Δcreated_at|
// inside the window; with no close match it falls back to the most recent
// unmatched optimistic entry. Heuristic by design — the window and conflict
// policy are configurable.
func (r *Reconciler) matchByWindow(c *conversation, evt transport.DeliveryEvent) *store.Message {
	windowMillis := r.matchWindow.Milliseconds()

	var best *store.Message
	var bestDelta int64
	var newest *store.Message
	for _, m := range c.msgs {
		if !m.IsMine || m.ServerID != "" || m.ClientID == "" || m.SyncState != store.SyncPending {
			continue
		}
		if newest == nil || m.CreatedAt > newest.CreatedAt {
			newest = m
		}
		delta := evt.CreatedAt - m.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if delta < windowMillis && (best == nil || delta < bestDelta) {
			best = m
			bestDelta = delta
		}
	}
	if best != nil {
		return best
	}
	return newest
}

// applyStateEvent applies a delivered/read/reaction/edited/deleted/pinned
// event by server id. Events for unknown ids are buffered for a grace
// period: the base message has not arrived yet, which is abnormal but not
// fatal.
func (r *Reconciler) applyStateEvent(c *conversation, evt transport.DeliveryEvent, sink *writeBatch) error {
	m := findByServerID(c.msgs, evt.ServerID)
	if m == nil {
		r.bufferEvent(c, evt)
		return nil
	}

	switch evt.Kind {
	case transport.EventDelivered:
		if !store.Advances(m.DeliveryState, store.Delivered) {
			return nil
		}
		m.DeliveryState = store.Delivered
	case transport.EventRead:
		if !store.Advances(m.DeliveryState, store.Read) {
			return nil
		}
		m.DeliveryState = store.Read
	case transport.EventReaction:
		m.Reactions = append(m.Reactions, evt.SenderID+":"+evt.Reaction)
	case transport.EventReactionRemoved:
		m.Reactions = removeReaction(m.Reactions, evt.SenderID+":"+evt.Reaction)
	case transport.EventEdited:
		m.Ciphertext = evt.Ciphertext
		m.IV = evt.IV
		m.Plaintext = evt.Plaintext
		m.Edited = true
		if len(m.Plaintext) == 0 && len(m.Ciphertext) > 0 && !m.IsMine {
			r.resolvePlaintext(context.Background(), m, evt)
		}
	case transport.EventDeleted:
		m.Deleted = true
		m.Plaintext = nil
		m.Ciphertext = nil
		m.IV = nil
	case transport.EventPinned:
		m.Pinned = true
	case transport.EventUnpinned:
		m.Pinned = false
	default:
		r.logger.Warn("unknown event kind", zap.String("kind", string(evt.Kind)))
		return nil
	}

	if err := r.persist(sink, m); err != nil {
		return err
	}
	r.publish(c)
	return nil
}

func (r *Reconciler) bufferEvent(c *conversation, evt transport.DeliveryEvent) {
	if len(c.buffered) >= maxBufferedEvents {
		c.buffered = c.buffered[1:]
	}
	c.buffered = append(c.buffered, bufferedEvent{
		evt:      evt,
		deadline: time.Now().Add(r.eventGrace),
	})
}

// drainBuffered replays buffered events whose base message just arrived.
func (r *Reconciler) drainBuffered(c *conversation, serverID string, sink *writeBatch) {
	var keep []bufferedEvent
	for _, be := range c.buffered {
		if be.evt.ServerID == serverID {
			if err := r.applyStateEvent(c, be.evt, sink); err != nil {
				r.logger.Warn("buffered event apply failed", zap.Error(err))
			}
			continue
		}
		keep = append(keep, be)
	}
	c.buffered = keep
}

// SweepBuffers drops buffered events past their grace deadline. Called
// periodically by the engine pump.
func (r *Reconciler) SweepBuffers() {
	r.mu.Lock()
	convs := make([]*conversation, 0, len(r.convs))
	for _, c := range r.convs {
		convs = append(convs, c)
	}
	r.mu.Unlock()

	now := time.Now()
	for _, c := range convs {
		c.mu.Lock()
		var keep []bufferedEvent
		dropped := 0
		for _, be := range c.buffered {
			if be.deadline.After(now) {
				keep = append(keep, be)
			} else {
				dropped++
			}
		}
		c.buffered = keep
		if dropped > 0 {
			r.logger.Warn("dropped events for messages that never arrived",
				zap.String("conversation_id", c.id), zap.Int("count", dropped))
		}
		c.mu.Unlock()
	}
}

// RetryDecryption re-runs key exchange and one decryption attempt for a
// message previously marked undecryptable.
func (r *Reconciler) RetryDecryption(ctx context.Context, conversationID, serverID string) error {
	c, err := r.conv(conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := findByServerID(c.msgs, serverID)
	if m == nil {
		return fmt.Errorf("no message with server id %s in %s", serverID, conversationID)
	}
	if len(m.Ciphertext) == 0 {
		return fmt.Errorf("message %s has no ciphertext", serverID)
	}

	r.cipher.DropKey(conversationID)
	pt, err := r.cipher.Decrypt(ctx, conversationID, m.Ciphertext, m.IV)
	if err != nil {
		m.LastError = err.Error()
		_ = r.db.Upsert(m)
		return err
	}
	m.Plaintext = pt
	m.SyncState = store.Synced
	m.LastError = ""
	if err := r.db.Upsert(m); err != nil {
		return err
	}
	r.publish(c)
	return nil
}

// Discard removes a message from the view and the history store, by client
// or server id. Used for cancelled queued sends and explicit discard of
// permanently failed ones.
func (r *Reconciler) Discard(conversationID, id string) error {
	c, err := r.conv(conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.msgs[:0]
	removed := false
	for _, m := range c.msgs {
		if m.ClientID == id || m.ServerID == id {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	c.msgs = kept
	if !removed {
		return nil
	}
	if err := r.db.Remove(conversationID, id); err != nil {
		return err
	}
	r.publish(c)
	return nil
}

// Observe returns a stream of canonical views for a conversation: the
// current state first, then one view per change. The returned func must be
// called on conversation close; it releases the observer slot.
func (r *Reconciler) Observe(conversationID string, bufSize int) (<-chan CanonicalView, func(), error) {
	c, err := r.conv(conversationID)
	if err != nil {
		return nil, nil, err
	}
	if bufSize < 1 {
		bufSize = 1
	}
	ch := make(chan CanonicalView, bufSize)

	c.mu.Lock()
	snapshot := cloneView(c.id, c.msgs)
	c.mu.Unlock()

	// Buffer the snapshot before registering the channel with publishers.
	// Registered first, a publish could fill the buffer and leave this send
	// blocked with no reader yet — and deliver a newer view ahead of the
	// stale snapshot.
	ch <- snapshot

	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.obs[id] = ch
	c.obsMu.Unlock()

	return ch, func() {
		c.obsMu.Lock()
		delete(c.obs, id)
		c.obsMu.Unlock()
	}, nil
}

// Snapshot returns the current canonical view of a conversation.
func (r *Reconciler) Snapshot(conversationID string) (CanonicalView, error) {
	c, err := r.conv(conversationID)
	if err != nil {
		return CanonicalView{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneView(c.id, c.msgs), nil
}

// publish pushes the updated view to observers and announces it on the bus.
// Callers hold the conversation lock.
func (r *Reconciler) publish(c *conversation) {
	view := cloneView(c.id, c.msgs)

	c.obsMu.Lock()
	for _, ch := range c.obs {
		select {
		case ch <- view:
		default:
			// Observer is not keeping up; it will get the next view.
		}
	}
	c.obsMu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.Event{Kind: "view.updated", Timestamp: time.Now(), Payload: c.id})
	}
}

// notifySynced tells the send coordinator the canonical record landed, so
// it can cancel the fallback timer for this client id.
func (r *Reconciler) notifySynced(clientID string) {
	if r.bus != nil {
		r.bus.Publish(bus.Event{Kind: "send.synced", Timestamp: time.Now(), Payload: clientID})
	}
}

func findByClientID(msgs []*store.Message, clientID string) *store.Message {
	if clientID == "" {
		return nil
	}
	for _, m := range msgs {
		if m.ClientID == clientID {
			return m
		}
	}
	return nil
}

func findByServerID(msgs []*store.Message, serverID string) *store.Message {
	if serverID == "" {
		return nil
	}
	for _, m := range msgs {
		if m.ServerID == serverID {
			return m
		}
	}
	return nil
}

func removeReaction(reactions []string, key string) []string {
	for i, rx := range reactions {
		if rx == key {
			return append(reactions[:i], reactions[i+1:]...)
		}
	}
	return reactions
}

func isExchangeErr(err error) bool {
	var xe *keys.ExchangeError
	return errors.As(err, &xe)
}
