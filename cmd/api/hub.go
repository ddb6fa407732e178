package main

import (
	"sync"
)

// EventSender is the minimal interface the hub needs from a live
// connection: a non-blocking attempt to enqueue an event for delivery.
type EventSender interface {
	TrySend(ServerEvent)
}

// Hub is the live-connection registry: it maps each connected user id to
// the set of that user's open connections (a user may have several, e.g.
// multiple devices or tabs) and multicasts events to a target set of
// users.
//
// The registry is volatile, rebuildable state used only for delivery
// targeting; the persistent store stays the single source of truth for
// message existence and read state. A connection is registered only after
// its handshake credential has been verified, and registry entries never
// outlive their connection.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[int64]EventSender
	nextID int64
}

// NewHub creates a new hub instance.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[int64]EventSender)}
}

// Register adds a connection for the given user and returns a connection
// id which must be used to unregister the connection when it closes.
func (h *Hub) Register(userID string, s EventSender) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[userID]; !ok {
		h.conns[userID] = make(map[int64]EventSender)
	}

	h.nextID++
	id := h.nextID
	h.conns[userID][id] = s
	return id
}

// Unregister removes a previously-registered connection.
func (h *Hub) Unregister(userID string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[userID]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(h.conns, userID)
		}
	}
}

// Publish delivers the event to every connection of every target user
// currently present in the registry. Users with no live connection are
// silently skipped; they converge via polling.
//
// Publish is fire-and-forget: it never blocks on, retries, or reports
// individual connection failures, so one slow or broken connection cannot
// stall delivery to the others. TrySend drops the event when a
// connection's buffer is full; that connection self-heals via polling.
func (h *Hub) Publish(userIDs []string, evt ServerEvent) {
	// Snapshot the target senders under the read lock, then deliver
	// outside it so a stalled TrySend cannot hold up register/unregister.
	h.mu.RLock()
	var targets []EventSender
	for _, userID := range userIDs {
		for _, s := range h.conns[userID] {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.TrySend(evt)
	}
}

// Connected reports whether the user has at least one live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}
