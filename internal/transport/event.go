package transport

// EventKind tags a push-channel event.
type EventKind string

const (
	EventNewMessage      EventKind = "new_message"
	EventDelivered       EventKind = "message_delivered"
	EventRead            EventKind = "message_read"
	EventReaction        EventKind = "reaction"
	EventReactionRemoved EventKind = "reaction_removed"
	EventDeleted         EventKind = "message_deleted"
	EventEdited          EventKind = "message_edited"
	EventPinned          EventKind = "message_pinned"
	EventUnpinned        EventKind = "message_unpinned"
)

// DeliveryEvent is the typed sum of everything the push channel emits.
// Every event carries ConversationID and ServerID; new_message additionally
// carries the body fields. ClientID is present only when the server echoes
// it — for self-authored messages it does not, which is why the reconciler
// falls back to timestamp-window matching.
type DeliveryEvent struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	ServerID       string    `json:"server_id"`
	ClientID       string    `json:"client_id,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
	IsMine         bool      `json:"is_mine,omitempty"`
	Ciphertext     []byte    `json:"ciphertext,omitempty"`
	IV             []byte    `json:"iv,omitempty"`
	Plaintext      []byte    `json:"plaintext,omitempty"`
	CreatedAt      int64     `json:"created_at,omitempty"`
	Reaction       string    `json:"reaction,omitempty"`
}
