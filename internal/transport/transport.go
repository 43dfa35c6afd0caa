// Package transport is the boundary to the external message transport: a
// request/response send path and a server-initiated push channel. The engine
// consumes this interface; the websocket client below is one implementation.
package transport

import (
	"context"
	"fmt"
)

// Envelope is the wire tuple for an outgoing message. Plaintext is set only
// when the policy-permitted encryption fallback is in effect.
type Envelope struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	Ciphertext     []byte `json:"ciphertext,omitempty"`
	IV             []byte `json:"iv,omitempty"`
	Plaintext      []byte `json:"plaintext,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// ServerAck is the server's acceptance of a send.
type ServerAck struct {
	ServerID  string `json:"server_id"`
	Timestamp int64  `json:"timestamp"`
}

// Error is a retryable network/timeout failure on the transport.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client is the transport collaborator.
//
// Subscribe returns a stream of push events and an unsubscribe function;
// the unsubscribe is the scoped-resource handle guaranteeing cleanup on
// conversation close. Backfill fetches the most recent window of a
// conversation for bulk reconciliation.
type Client interface {
	Send(ctx context.Context, env Envelope) (ServerAck, error)
	Subscribe(bufSize int) (<-chan DeliveryEvent, func())
	Backfill(ctx context.Context, conversationID string, limit int) ([]DeliveryEvent, error)
}
