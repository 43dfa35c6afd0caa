package store

// DeliveryState tracks where a message is in its send/receive lifecycle.
// Monotonic per message except Failed -> Sending on manual retry.
type DeliveryState string

const (
	Queued    DeliveryState = "queued"
	Sending   DeliveryState = "sending"
	Sent      DeliveryState = "sent"
	Delivered DeliveryState = "delivered"
	Read      DeliveryState = "read"
	Failed    DeliveryState = "failed"
)

// rank orders delivery states for monotonicity checks. Failed sits outside
// the happy path and is handled explicitly.
var deliveryRank = map[DeliveryState]int{
	Queued:    0,
	Sending:   1,
	Sent:      2,
	Delivered: 3,
	Read:      4,
}

// Advances reports whether moving from -> to is a forward transition.
// Failed is reachable from Queued/Sending; leaving Failed requires a manual
// retry back to Sending.
func Advances(from, to DeliveryState) bool {
	if from == to {
		return false
	}
	if to == Failed {
		return from == Queued || from == Sending
	}
	if from == Failed {
		return to == Sending
	}
	return deliveryRank[to] > deliveryRank[from]
}

// SyncState tracks whether the local copy is known consistent with the server.
type SyncState string

const (
	SyncPending SyncState = "pending"
	Synced      SyncState = "synced"
	SyncError   SyncState = "error"
)

// Message is the canonical unit of the engine.
//
// ClientID is generated locally at creation and correlates the optimistic
// copy with the eventual server-confirmed record; ServerID is empty until
// the server accepts the message. Plaintext for one's own messages is
// retained client-side only: the server never echoes it back (it holds only
// ciphertext encrypted to the recipient's key).
type Message struct {
	ID             int64
	ConversationID string
	ClientID       string
	ServerID       string
	SenderID       string
	IsMine         bool
	Plaintext      []byte
	Ciphertext     []byte
	IV             []byte
	CreatedAt      int64 // unix millis, primary ordering key
	DeliveryState  DeliveryState
	SyncState      SyncState
	RetryCount     int
	LastError      string
	Edited         bool
	Deleted        bool
	Pinned         bool
	Reactions      []string
}

// PendingSend is an outbox entry: a not-yet-acknowledged outgoing message.
// It carries the plaintext, never the ciphertext — the key handle may need
// refreshing before an actual retry re-encrypts.
type PendingSend struct {
	ID             int64
	ClientID       string
	ConversationID string
	Plaintext      []byte
	ReplyTo        string
	Status         string // queued, sending, failed
	RetryCount     int
	LastError      string
	CreatedAt      int64
}

// Outbox entry statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxFailed  = "failed"
)
