package status

import (
	"testing"
	"time"

	"github.com/mfigueira/whisper/internal/bus"
)

func TestValidTransitionPublishesEdge(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("net.", 4)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Online); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "net.online" {
			t.Errorf("kind = %q, want net.online", evt.Kind)
		}
		sc := evt.Payload.(StatusChange)
		if sc.From != Connecting || sc.To != Online {
			t.Errorf("change = %+v", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("no edge event")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Degraded); err == nil {
		t.Fatal("Booting -> Degraded should be invalid")
	}
	if m.Current() != Booting {
		t.Errorf("state = %s, want BOOTING", m.Current())
	}
}

func TestIsOnline(t *testing.T) {
	m := NewMachine(nil)
	if m.IsOnline() {
		t.Error("booting should not be online")
	}
	_ = m.Transition(Online)
	if !m.IsOnline() {
		t.Error("online should be online")
	}
	_ = m.Transition(Degraded)
	if !m.IsOnline() {
		t.Error("degraded still attempts I/O")
	}
}

func TestForegroundEdgeDetection(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("app.", 4)
	defer unsub()

	m := NewMachine(b)
	m.SetForeground(true)
	m.SetForeground(true) // repeated signal, no second edge

	select {
	case evt := <-ch:
		if evt.Kind != "app.foreground" {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no foreground edge")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected second edge %q", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
