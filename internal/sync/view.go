package sync

import (
	"sort"

	"github.com/mfigueira/whisper/internal/store"
)

// orderTieMillis is the window under which two timestamps count as a tie
// and ordering falls to the stable secondary key, so near-simultaneous
// messages never visibly reorder between renders.
const orderTieMillis = 100

// CanonicalView is the deduplicated, chronologically ordered message list
// the UI observes for one conversation.
type CanonicalView struct {
	ConversationID string
	Messages       []*store.Message
}

// orderKey is the stable tie-break key: server id if present, else client id.
func orderKey(m *store.Message) string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.ClientID
}

// less orders ascending by created_at; timestamps under orderTieMillis
// apart compare by the stable key instead.
func less(a, b *store.Message) bool {
	d := a.CreatedAt - b.CreatedAt
	if d >= orderTieMillis || d <= -orderTieMillis {
		return d < 0
	}
	ka, kb := orderKey(a), orderKey(b)
	if ka != kb {
		return ka < kb
	}
	return d < 0
}

// sortView sorts messages into canonical order. Stable so equal keys keep
// their arrival order.
func sortView(msgs []*store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return less(msgs[i], msgs[j])
	})
}

// cloneView deep-copies the message slice so observers never share memory
// with the conversation's single writer.
func cloneView(conversationID string, msgs []*store.Message) CanonicalView {
	out := make([]*store.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return CanonicalView{ConversationID: conversationID, Messages: out}
}
