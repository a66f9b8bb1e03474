// Package model holds the engine's view of chat data: messages, rooms and
// their lifecycle states.
package model

import "time"

// Status is the delivery state of a message in the local list.
type Status string

const (
	// StatusPending marks a provisional message awaiting server confirmation.
	StatusPending Status = "pending"
	// StatusSent marks a server-confirmed message.
	StatusSent Status = "sent"
	// StatusDelivered marks a message the recipient's client acknowledged.
	StatusDelivered Status = "delivered"
	// StatusFailed marks a message whose send exhausted its retries. It stays
	// visible for a caller-triggered resend, never silently discarded.
	StatusFailed Status = "failed"
)

// Message is one chat message. A message is either provisional (no server
// ID yet, Status pending or failed) or final; reconciliation transitions
// provisional to final exactly once.
type Message struct {
	// ID is the server-assigned id, empty while provisional.
	ID string `json:"id,omitempty"`
	// ClientID is the client-generated provisional id. It is retained after
	// confirmation so duplicate deliveries reconcile idempotently.
	ClientID    string    `json:"clientId,omitempty"`
	RoomID      string    `json:"roomId"`
	SenderID    string    `json:"senderId"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	CreatedAt   time.Time `json:"createdAt"`
	Status      Status    `json:"status"`
}

// Provisional reports whether the message still awaits confirmation.
func (m Message) Provisional() bool {
	return m.ID == ""
}

// Room is a lightweight snapshot of a joined room.
type Room struct {
	ID           string
	Participants []string
	LastMessage  *Message
}
