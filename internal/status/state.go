package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mfigueira/whisper/internal/bus"
)

// State represents a connectivity state of the engine.
type State string

const (
	Booting    State = "BOOTING"
	Offline    State = "OFFLINE"
	Connecting State = "CONNECTING"
	Online     State = "ONLINE"
	// Degraded means the push channel is up but recent sends have failed;
	// the request path is suspect and replays keep their backoff.
	Degraded State = "DEGRADED"
)

// validTransitions defines allowed connectivity transitions.
var validTransitions = map[State][]State{
	Booting:    {Offline, Connecting, Online},
	Offline:    {Connecting},
	Connecting: {Online, Offline},
	Online:     {Offline, Degraded},
	Degraded:   {Online, Offline},
}

// Machine tracks connectivity and visibility. Transitions into Online and
// into the foreground publish edge events on the bus; the orchestrator
// subscribes to those edges rather than polling.
type Machine struct {
	mu         sync.RWMutex
	current    State
	foreground bool
	bus        *bus.Bus
}

// NewMachine creates a machine starting in Booting, backgrounded.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current connectivity state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsOnline reports whether the engine should attempt network I/O.
func (m *Machine) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current == Online || m.current == Degraded
}

// Foreground reports whether the app is visible.
func (m *Machine) Foreground() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.foreground
}

// Transition attempts to move to a new connectivity state. Returns an error
// if the transition is invalid. Publishes "net.online" / "net.offline" /
// "net.degraded" on the corresponding edges.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus == nil {
		return nil
	}
	var kind string
	switch {
	case to == Online:
		kind = "net.online"
	case to == Offline:
		kind = "net.offline"
	case to == Degraded:
		kind = "net.degraded"
	}
	if kind != "" {
		m.bus.Publish(bus.Event{
			Kind:      kind,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// SetForeground updates visibility. Only true edges publish "app.foreground";
// background edges publish "app.background". Repeated signals with the same
// value are ignored.
func (m *Machine) SetForeground(fg bool) {
	m.mu.Lock()
	if m.foreground == fg {
		m.mu.Unlock()
		return
	}
	m.foreground = fg
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	kind := "app.background"
	if fg {
		kind = "app.foreground"
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}

// StatusChange is the payload for connectivity edge events.
type StatusChange struct {
	From State
	To   State
}
