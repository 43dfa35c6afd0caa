package send

import (
	"sync"
	"time"
)

// maxRetained bounds the table; a client with more in-flight sends than
// this is already failing somewhere else. Oldest records are evicted first.
const maxRetained = 1024

type retained struct {
	plaintext []byte
	expiry    time.Time // zero until the server id is known
}

// RetentionTable owns the plaintext of in-flight sends: an explicit
// per-send record keyed by client id, re-keyed by server id once the ack
// lands, and evicted a grace window later to tolerate out-of-order push
// delivery. This replaces any "most recent message" heuristic — every
// lookup is by id.
type RetentionTable struct {
	mu      sync.Mutex
	grace   time.Duration
	entries map[string]*retained
	order   []string // client ids in insertion order, for the bound
}

// NewRetentionTable creates a table with the given post-ack grace window.
func NewRetentionTable(grace time.Duration) *RetentionTable {
	return &RetentionTable{
		grace:   grace,
		entries: make(map[string]*retained),
	}
}

// Put records the plaintext of a new send under its client id. No expiry
// yet: the record lives at least until the server id is known.
func (t *RetentionTable) Put(clientID string, plaintext []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.order) >= maxRetained {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
	}
	t.entries[clientID] = &retained{plaintext: plaintext}
	t.order = append(t.order, clientID)
}

// Alias re-keys the record by server id and starts the eviction clock. Both
// keys resolve to the same record until it expires.
func (t *RetentionTable) Alias(serverID, clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.entries[clientID]
	if !ok {
		return
	}
	rec.expiry = time.Now().Add(t.grace)
	t.entries[serverID] = rec
}

// Lookup returns the retained plaintext for a client or server id.
func (t *RetentionTable) Lookup(id string) ([]byte, bool) {
	if id == "" {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	if !rec.expiry.IsZero() && time.Now().After(rec.expiry) {
		delete(t.entries, id)
		return nil, false
	}
	return rec.plaintext, true
}

// Sweep drops expired records. Called periodically by the coordinator.
func (t *RetentionTable) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for id, rec := range t.entries {
		if !rec.expiry.IsZero() && now.After(rec.expiry) {
			delete(t.entries, id)
		}
	}
	kept := t.order[:0]
	for _, id := range t.order {
		if _, ok := t.entries[id]; ok {
			kept = append(kept, id)
		}
	}
	t.order = kept
}

// Len reports the number of live keys.
func (t *RetentionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
