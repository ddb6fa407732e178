package main

import (
	"encoding/json"
	"fmt"

	"relaychat/internal/data"
)

// Event types crossing the live connection. The wire format is a tagged
// envelope: the Type field selects which of the remaining fields are
// meaningful, and decoding validates the payload before anything acts
// on it.
const (
	// server → client
	EventNewMessage = "newMessage"
	EventError      = "error"

	// client → server
	EventSendMessage = "sendMessage"
)

// ServerEvent is the envelope pushed to live connections.
type ServerEvent struct {
	Type    string                  `json:"type"`
	ChatID  string                  `json:"chatId,omitempty"`
	Message *data.MessageWithSender `json:"message,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// newMessageEvent wraps a freshly created message for fanout. The sender
// fields inside the message were resolved server-side at creation time;
// nothing in the event comes from a client-asserted identity.
func newMessageEvent(msg *data.MessageWithSender) ServerEvent {
	return ServerEvent{Type: EventNewMessage, ChatID: msg.ChatID, Message: msg}
}

// errorEvent reports a failed client action back on its own connection.
func errorEvent(message string) ServerEvent {
	return ServerEvent{Type: EventError, Error: message}
}

// ClientEvent is the envelope received from a live connection. There is
// deliberately no sender field: sender identity always comes from the
// authenticated connection, never from the payload.
type ClientEvent struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// decodeClientEvent parses and validates an inbound frame. Unknown types
// and missing fields are rejected here, before any handler runs.
func decodeClientEvent(raw []byte) (*ClientEvent, error) {
	var evt ClientEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	switch evt.Type {
	case EventSendMessage:
		if evt.ChatID == "" {
			return nil, fmt.Errorf("sendMessage: chatId is required")
		}
	default:
		return nil, fmt.Errorf("unknown event type: %q", evt.Type)
	}
	return &evt, nil
}
