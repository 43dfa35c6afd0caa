package engine

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mfigueira/whisper/internal/bus"
	"github.com/mfigueira/whisper/internal/cipher"
	"github.com/mfigueira/whisper/internal/config"
	"github.com/mfigueira/whisper/internal/keys"
	"github.com/mfigueira/whisper/internal/send"
	"github.com/mfigueira/whisper/internal/status"
	"github.com/mfigueira/whisper/internal/store"
	intsync "github.com/mfigueira/whisper/internal/sync"
	"github.com/mfigueira/whisper/internal/transport"
)

type staticExchanger struct{ root []byte }

func (s *staticExchanger) EnsureKey(_ context.Context, _ string) (keys.Handle, error) {
	return keys.NewHandle(s.root)
}

// loopbackClient acks every send and echoes the canonical push event back
// through its subscription, like a server with zero latency.
type loopbackClient struct {
	mu      sync.Mutex
	nextAck int
	subs    []chan transport.DeliveryEvent
}

func (l *loopbackClient) Send(_ context.Context, env transport.Envelope) (transport.ServerAck, error) {
	l.mu.Lock()
	l.nextAck++
	ack := transport.ServerAck{
		ServerID:  fmt.Sprintf("sv%d", l.nextAck),
		Timestamp: env.CreatedAt,
	}
	subs := append([]chan transport.DeliveryEvent(nil), l.subs...)
	l.mu.Unlock()

	evt := transport.DeliveryEvent{
		Kind:           transport.EventNewMessage,
		ConversationID: env.ConversationID,
		ServerID:       ack.ServerID,
		IsMine:         true,
		Ciphertext:     env.Ciphertext,
		IV:             env.IV,
		CreatedAt:      ack.Timestamp,
	}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return ack, nil
}

func (l *loopbackClient) Subscribe(bufSize int) (<-chan transport.DeliveryEvent, func()) {
	ch := make(chan transport.DeliveryEvent, bufSize)
	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()
	return ch, func() {}
}

func (l *loopbackClient) Backfill(_ context.Context, _ string, _ int) ([]transport.DeliveryEvent, error) {
	return nil, nil
}

func testEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	db, err := store.Open(filepath.Join(cfg.DataDir, "whisper.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	machine := status.NewMachine(b)
	ciph := cipher.New(keys.NewRing(&staticExchanger{root: bytes.Repeat([]byte{5}, keys.RootKeyLen)}))
	retention := send.NewRetentionTable(cfg.RetentionGrace())
	rec := intsync.NewReconciler(db, ciph, retention, b,
		cfg.MatchWindow(), cfg.EventGrace(), cfg.PageSize, nil)
	client := &loopbackClient{}
	coord := send.NewCoordinator(db, ciph, client, rec, machine, b, retention,
		cfg.AllowPlaintextFallback, cfg.FallbackTimer(), nil)
	orch := intsync.NewOrchestrator(db, client, rec, coord, b,
		cfg.RetryCeiling, cfg.PageSize, cfg.LivenessPoll(), nil)
	pump := intsync.NewPump(client, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	pump.Start(ctx)
	coord.Start(ctx)
	t.Cleanup(func() {
		coord.Stop()
		pump.Stop()
		cancel()
	})

	if err := machine.Transition(status.Online); err != nil {
		t.Fatal(err)
	}
	return NewEngine(db, coord, rec, orch, machine), b
}

func TestEngineSendRoundTrip(t *testing.T) {
	e, b := testEngine(t)
	synced, unsub := b.Subscribe("send.synced", 16)
	defer unsub()

	clientID, err := e.Send("c1", []byte("hello"), "")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("send never reached synced")
	}

	view, err := e.Snapshot("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(view.Messages))
	}
	m := view.Messages[0]
	if m.ClientID != clientID || m.ServerID == "" {
		t.Errorf("identity: client=%q server=%q", m.ClientID, m.ServerID)
	}
	if m.SyncState != store.Synced || string(m.Plaintext) != "hello" {
		t.Errorf("sync=%s plaintext=%q", m.SyncState, m.Plaintext)
	}

	convs, err := e.Conversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0] != "c1" {
		t.Errorf("conversations = %v", convs)
	}
}

func TestEngineLoadOlderPages(t *testing.T) {
	e, b := testEngine(t)
	synced, unsub := b.Subscribe("send.synced", 64)
	defer unsub()

	for i := 0; i < 5; i++ {
		if _, err := e.Send("c1", []byte(fmt.Sprintf("message %d", i)), ""); err != nil {
			t.Fatal(err)
		}
		select {
		case <-synced:
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d never synced", i)
		}
		// Distinct created_at per message so the keyset pages cleanly.
		time.Sleep(2 * time.Millisecond)
	}

	page, err := e.LoadOlder("c1", 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 {
		t.Fatalf("page has %d messages, want 3", len(page))
	}
	older, err := e.LoadOlder("c1", page[0].CreatedAt, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 {
		t.Fatalf("older page has %d messages, want 2", len(older))
	}
	for _, m := range older {
		if m.CreatedAt >= page[0].CreatedAt {
			t.Errorf("older page overlaps: %d >= %d", m.CreatedAt, page[0].CreatedAt)
		}
	}
}
