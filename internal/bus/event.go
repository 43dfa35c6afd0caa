package bus

import "time"

// Event represents an engine event published on the bus.
//
// Kinds are dot-namespaced: "net.online", "app.foreground", "view.updated",
// "send.failed", "sync.replayed". Subscribers filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
