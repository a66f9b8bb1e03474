// Package event defines the typed wire contract between the sync engine and
// the chat server. Every frame is an Envelope whose Data field decodes into
// exactly one payload type per Kind; unknown kinds are rejected at decode
// time rather than silently dropped.
package event

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/civicly/chatsync/internal/errs"
)

// Kind tags the payload carried by an Envelope.
type Kind string

const (
	KindAuthenticate  Kind = "authenticate"
	KindAuthenticated Kind = "authenticated"
	KindAuthError     Kind = "auth_error"
	KindJoinRoom      Kind = "join_room"
	KindLeaveRoom     Kind = "leave_room"
	KindSendMessage   Kind = "send_message"
	KindSendBatch     Kind = "send_message_batch"
	KindNewMessage    Kind = "new_message"
	KindNewBatch      Kind = "new_messages_batch"
	KindTypingStart   Kind = "typing_start"
	KindTypingStop    Kind = "typing_stop"
	KindReactionAdd   Kind = "reaction_add"
	KindReactionRem   Kind = "reaction_remove"
	KindPresenceJoin  Kind = "presence_join"
	KindPresenceLeave Kind = "presence_leave"
	KindPresenceSync  Kind = "presence_sync"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	KindAck           Kind = "ack"
	KindError         Kind = "error"
)

// Envelope is the wire format for every event in both directions.
type Envelope struct {
	Kind      Kind            `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Authenticate is sent by the client immediately after the transport opens.
type Authenticate struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Authenticated confirms the handshake.
type Authenticated struct {
	UserID string `json:"userId"`
}

// AuthError rejects the handshake. The transport stays open.
type AuthError struct {
	Reason string `json:"reason"`
}

// JoinRoom / LeaveRoom drive the server-side room membership.
type JoinRoom struct {
	UserID string `json:"userId"`
}

type LeaveRoom struct {
	UserID string `json:"userId"`
}

// SendMessage is one outbound message. ClientID is the client-generated
// provisional id; servers echo it back on the confirmed message so the
// engine can reconcile exactly.
type SendMessage struct {
	ClientID    string `json:"clientId"`
	SenderID    string `json:"senderId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	ClientTime  int64  `json:"clientTime"`
}

// SendBatch carries every message queued within one flush window.
type SendBatch struct {
	Messages []SendMessage `json:"messages"`
}

// NewMessage is a server-confirmed message.
type NewMessage struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId,omitempty"`
	SenderID    string `json:"senderId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	CreatedAt   int64  `json:"createdAt"`
}

// NewBatch delivers several confirmed messages at once, e.g. acknowledgments
// for a batched send.
type NewBatch struct {
	Messages []NewMessage `json:"messages"`
}

// Typing marks a user typing (or stopping) in the envelope's room.
type Typing struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// Reaction carries a reaction mutation. On inbound events Count is the
// authoritative resulting count and overwrites any optimistic local value.
type Reaction struct {
	MessageID string `json:"messageId"`
	Symbol    string `json:"symbol"`
	UserID    string `json:"userId"`
	Count     int    `json:"count"`
}

// Presence reports a single user's status within the envelope's room.
type Presence struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// PresenceSync replaces a room's presence set wholesale.
type PresenceSync struct {
	Users []Presence `json:"users"`
}

// Ping / Pong are the in-band heartbeat pair.
type Ping struct {
	Nonce string `json:"nonce"`
}

type Pong struct {
	Nonce string `json:"nonce"`
}

// Ack acknowledges a send (single or batched). Error is non-empty on
// rejection; Retryable hints whether the client may retry.
type Ack struct {
	ClientIDs []string `json:"clientIds"`
	OK        bool     `json:"ok"`
	Error     string   `json:"error,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}

// ErrorEvent is a server-side error outside any specific acknowledgment.
type ErrorEvent struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// New builds an envelope for kind with data marshaled into Data.
func New(kind Kind, roomID string, data any) (Envelope, error) {
	env := Envelope{
		Kind:      kind,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, &errs.ValidationError{Field: string(kind), Reason: err.Error()}
		}
		env.Data = raw
	}
	return env, nil
}

// Decode unmarshals the envelope's Data into the payload type for its Kind.
// The switch is exhaustive over the wire contract: an unlisted kind is a
// validation error, not a silent no-op.
func (e Envelope) Decode() (any, error) {
	switch e.Kind {
	case KindAuthenticate:
		return decodeAs[Authenticate](e)
	case KindAuthenticated:
		return decodeAs[Authenticated](e)
	case KindAuthError:
		return decodeAs[AuthError](e)
	case KindJoinRoom:
		return decodeAs[JoinRoom](e)
	case KindLeaveRoom:
		return decodeAs[LeaveRoom](e)
	case KindSendMessage:
		return decodeAs[SendMessage](e)
	case KindSendBatch:
		return decodeAs[SendBatch](e)
	case KindNewMessage:
		return decodeAs[NewMessage](e)
	case KindNewBatch:
		return decodeAs[NewBatch](e)
	case KindTypingStart, KindTypingStop:
		return decodeAs[Typing](e)
	case KindReactionAdd, KindReactionRem:
		return decodeAs[Reaction](e)
	case KindPresenceJoin, KindPresenceLeave:
		return decodeAs[Presence](e)
	case KindPresenceSync:
		return decodeAs[PresenceSync](e)
	case KindPing:
		return decodeAs[Ping](e)
	case KindPong:
		return decodeAs[Pong](e)
	case KindAck:
		return decodeAs[Ack](e)
	case KindError:
		return decodeAs[ErrorEvent](e)
	default:
		return nil, &errs.ValidationError{Field: "type", Reason: "unknown event kind " + string(e.Kind)}
	}
}

func decodeAs[T any](e Envelope) (T, error) {
	var v T
	if len(e.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, &errs.ValidationError{Field: string(e.Kind), Reason: err.Error()}
	}
	return v, nil
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire frame into an envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &errs.ValidationError{Field: "envelope", Reason: err.Error()}
	}
	if env.Kind == "" {
		return Envelope{}, &errs.ValidationError{Field: "type", Reason: "missing"}
	}
	return env, nil
}
