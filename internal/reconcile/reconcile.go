// Package reconcile merges message events arriving over independent
// delivery paths (push and poll) into one deduplicated, monotonic local
// view. Push is a latency optimization only: merging the same transcript
// with or without pushed events produces identical state.
package reconcile

import (
	"sort"
	"sync"
	"time"
)

// Message is the client-side projection of a delivered message.
type Message struct {
	ID             string
	ChatID         string
	SenderID       string
	SenderUsername string
	Content        string
	Seen           bool
	CreatedAt      time.Time
}

// View is a local ordered set of messages keyed by message id, safe for
// concurrent use by the push and poll paths.
//
// Merge rules: a message id is held exactly once no matter how many times
// or over which path it arrives; an existing entry's content is never
// overwritten by a later payload (messages are immutable at the source);
// seen only ever flips false→true, so a stale payload with seen=false can
// never regress an entry already marked seen.
type View struct {
	mu    sync.Mutex
	chats map[string]map[string]Message // chatID → messageID → message
}

// NewView returns an empty View.
func NewView() *View {
	return &View{chats: make(map[string]map[string]Message)}
}

// ApplyMessage upserts a single pushed message into the view.
func (v *View) ApplyMessage(m Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.upsert(m)
}

// MergeTranscript upserts a polled batch for one chat. The batch may
// overlap arbitrarily with previously pushed messages.
func (v *View) MergeTranscript(chatID string, msgs []Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range msgs {
		m.ChatID = chatID
		v.upsert(m)
	}
}

// upsert merges one message under the view lock.
func (v *View) upsert(m Message) {
	chat, ok := v.chats[m.ChatID]
	if !ok {
		chat = make(map[string]Message)
		v.chats[m.ChatID] = chat
	}

	existing, ok := chat[m.ID]
	if !ok {
		chat[m.ID] = m
		return
	}

	// Already held: the only field allowed to change is seen, and only
	// towards true.
	if m.Seen && !existing.Seen {
		existing.Seen = true
		chat[m.ID] = existing
	}
}

// Messages returns the chat's merged transcript ordered by
// (CreatedAt, ID) ascending. The returned slice is a copy.
func (v *View) Messages(chatID string) []Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	chat := v.chats[chatID]
	out := make([]Message, 0, len(chat))
	for _, m := range chat {
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of messages held for the chat.
func (v *View) Len(chatID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.chats[chatID])
}
