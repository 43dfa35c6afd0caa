package store

import (
	"bytes"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() reported changes")
	}
	if result.Dirty {
		t.Error("migration left db dirty")
	}
}

func TestUpsertInsertsAndResolvesIdentity(t *testing.T) {
	db := testDB(t)

	m := &Message{
		ConversationID: "c1", ClientID: "cl1", SenderID: "me", IsMine: true,
		Plaintext: []byte("hello"), CreatedAt: 1000,
		DeliveryState: Queued, SyncState: SyncPending,
	}
	if err := db.Upsert(m); err != nil {
		t.Fatal(err)
	}

	// Same logical message arriving with a server id resolves to one row.
	if err := db.Upsert(&Message{
		ConversationID: "c1", ClientID: "cl1", ServerID: "sv1",
		SenderID: "me", IsMine: true, Plaintext: []byte("hello"),
		CreatedAt: 1000, DeliveryState: Sent, SyncState: Synced,
	}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListPage("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want 1", len(msgs))
	}
	if msgs[0].ClientID != "cl1" || msgs[0].ServerID != "sv1" {
		t.Errorf("ids = %q/%q, want cl1/sv1", msgs[0].ClientID, msgs[0].ServerID)
	}
	if msgs[0].DeliveryState != Sent {
		t.Errorf("delivery = %s, want sent", msgs[0].DeliveryState)
	}
}

func TestUpsertNeverClearsKnownID(t *testing.T) {
	db := testDB(t)

	if err := db.Upsert(&Message{
		ConversationID: "c1", ClientID: "cl1", ServerID: "sv1",
		CreatedAt: 1000, DeliveryState: Sent, SyncState: Synced,
	}); err != nil {
		t.Fatal(err)
	}
	// A later push update carries only the server id.
	if err := db.Upsert(&Message{
		ConversationID: "c1", ServerID: "sv1",
		CreatedAt: 1000, DeliveryState: Delivered, SyncState: Synced,
	}); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetByClientID("c1", "cl1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("client id was cleared by server-id-only update")
	}
	if m.DeliveryState != Delivered {
		t.Errorf("delivery = %s, want delivered", m.DeliveryState)
	}
}

func TestListPagePaginatesChronologically(t *testing.T) {
	db := testDB(t)

	for i := int64(1); i <= 5; i++ {
		if err := db.Upsert(&Message{
			ConversationID: "c1", ServerID: string(rune('a' + i)),
			CreatedAt: i * 1000, DeliveryState: Read, SyncState: Synced,
		}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListPage("c1", 4000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d, want 2", len(page))
	}
	if page[0].CreatedAt != 2000 || page[1].CreatedAt != 3000 {
		t.Errorf("page = [%d, %d], want [2000, 3000]", page[0].CreatedAt, page[1].CreatedAt)
	}

	// Same page request again is idempotent.
	again, err := db.ListPage("c1", 4000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 2 || again[0].CreatedAt != page[0].CreatedAt {
		t.Error("repeated page request differed")
	}
}

func TestReplaceConversation(t *testing.T) {
	db := testDB(t)

	_ = db.Upsert(&Message{ConversationID: "c1", ServerID: "old", CreatedAt: 1, DeliveryState: Read, SyncState: Synced})
	err := db.ReplaceConversation("c1", []*Message{
		{ConversationID: "c1", ServerID: "new1", CreatedAt: 10, DeliveryState: Read, SyncState: Synced},
		{ConversationID: "c1", ServerID: "new2", CreatedAt: 20, DeliveryState: Read, SyncState: Synced},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListPage("c1", 0, 10)
	if len(msgs) != 2 {
		t.Fatalf("got %d rows, want 2", len(msgs))
	}
	if msgs[0].ServerID != "new1" {
		t.Errorf("first = %q, want new1", msgs[0].ServerID)
	}
}

func TestRemoveByEitherID(t *testing.T) {
	db := testDB(t)

	_ = db.Upsert(&Message{ConversationID: "c1", ClientID: "cl1", ServerID: "sv1", CreatedAt: 1, DeliveryState: Sent, SyncState: Synced})
	if err := db.Remove("c1", "sv1"); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetByClientID("c1", "cl1")
	if m != nil {
		t.Error("row survived Remove by server id")
	}
}

func TestOutboxFIFOAndAck(t *testing.T) {
	db := testDB(t)

	for i, id := range []string{"a", "b", "c"} {
		if err := db.Enqueue(&PendingSend{
			ClientID: id, ConversationID: "c1",
			Plaintext: []byte(id), CreatedAt: int64(i + 1),
		}); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.Pending("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending, want 3", len(pending))
	}
	for i, want := range []string{"a", "b", "c"} {
		if pending[i].ClientID != want {
			t.Errorf("pending[%d] = %q, want %q (FIFO)", i, pending[i].ClientID, want)
		}
	}

	if err := db.Ack("b"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.Pending("c1")
	if len(pending) != 2 {
		t.Errorf("got %d pending after ack, want 2", len(pending))
	}
}

func TestOutboxRetryBookkeeping(t *testing.T) {
	db := testDB(t)

	_ = db.Enqueue(&PendingSend{ClientID: "x", ConversationID: "c1", Plaintext: []byte("p")})
	_, _ = db.MarkSending("x")

	// Sending entries are not replayed.
	pending, _ := db.Pending("c1")
	if len(pending) != 0 {
		t.Fatalf("sending entry visible to replay: %d", len(pending))
	}

	if err := db.UpdateRetry("x", "network down"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.Pending("c1")
	if len(pending) != 1 {
		t.Fatal("failed entry not visible to replay")
	}
	if pending[0].RetryCount != 1 || pending[0].LastError != "network down" {
		t.Errorf("retry = %d err = %q", pending[0].RetryCount, pending[0].LastError)
	}
}

func TestOutboxCancelOnlyBeforeSending(t *testing.T) {
	db := testDB(t)

	_ = db.Enqueue(&PendingSend{ClientID: "x", ConversationID: "c1", Plaintext: []byte("p")})
	ok, err := db.Cancel("x")
	if err != nil || !ok {
		t.Fatalf("cancel queued: ok=%v err=%v", ok, err)
	}

	_ = db.Enqueue(&PendingSend{ClientID: "y", ConversationID: "c1", Plaintext: []byte("p")})
	_, _ = db.MarkSending("y")
	ok, err = db.Cancel("y")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("cancelled an entry already sending")
	}
}

func TestOutboxSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	want := []byte("offline message")
	if err := db.Enqueue(&PendingSend{ClientID: "x", ConversationID: "c1", Plaintext: want}); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulated restart.
	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	pending, err := db.Pending("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || !bytes.Equal(pending[0].Plaintext, want) {
		t.Fatalf("outbox lost across restart: %v", pending)
	}
}

func TestMarkSendingClaimsEntryOnce(t *testing.T) {
	db := testDB(t)

	_ = db.Enqueue(&PendingSend{ClientID: "x", ConversationID: "c1", Plaintext: []byte("p")})

	won, err := db.MarkSending("x")
	if err != nil {
		t.Fatal(err)
	}
	if !won {
		t.Fatal("first claim lost on a queued entry")
	}

	// A second claimant must lose while the entry is in flight.
	won, err = db.MarkSending("x")
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Error("claimed an entry already sending")
	}

	// A recorded failure releases the entry for the next attempt.
	if err := db.UpdateRetry("x", "network down"); err != nil {
		t.Fatal(err)
	}
	won, err = db.MarkSending("x")
	if err != nil {
		t.Fatal(err)
	}
	if !won {
		t.Error("could not reclaim a failed entry")
	}
}

func TestRecoverInFlightRequeuesStranded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	_ = db.Enqueue(&PendingSend{ClientID: "x", ConversationID: "c1", Plaintext: []byte("p")})
	if _, err := db.MarkSending("x"); err != nil {
		t.Fatal(err)
	}
	// Crash between transmission start and its ack.
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	n, err := db.RecoverInFlight()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d entries, want 1", n)
	}
	pending, err := db.Pending("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Status != OutboxQueued {
		t.Fatalf("stranded entry not requeued: %v", pending)
	}
}

func TestAdvances(t *testing.T) {
	cases := []struct {
		from, to DeliveryState
		want     bool
	}{
		{Queued, Sending, true},
		{Sending, Sent, true},
		{Sent, Delivered, true},
		{Delivered, Read, true},
		{Delivered, Sent, false},
		{Read, Delivered, false},
		{Sending, Failed, true},
		{Sent, Failed, false},
		{Failed, Sending, true},
		{Failed, Sent, false},
		{Sent, Sent, false},
	}
	for _, c := range cases {
		if got := Advances(c.from, c.to); got != c.want {
			t.Errorf("Advances(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
