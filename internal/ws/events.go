// internal/ws/events.go
package ws

import "encoding/json"

// Server-pushed event names on the customer namespace. The set is fixed;
// anything else is logged and dropped.
const (
	EventSessionCreated  = "table:session_created"
	EventUserJoined      = "table:user_joined"
	EventUserLeft        = "table:user_left"
	EventSessionClosed   = "table:session_closed"
	EventSessionUpdated  = "table:session_updated"
	EventSessionReplaced = "sessionReplaced"
	EventCartUpdated     = "table:cart_updated"
	EventOrderLocked     = "table:order_locked"
	EventNewRound        = "table:new_round"

	// SessionEnding is the graceful pre-disconnect notice some backends
	// send before replacing a session.
	EventSessionEnding = "table:session_ending"
)

// Event is one message on the wire, either direction.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler reacts to one inbound event.
type Handler func(Event)

// UserJoinedPayload / UserLeftPayload carry membership changes.
type UserJoinedPayload struct {
	TableID        string `json:"tableId"`
	GuestSessionID string `json:"guestSessionId"`
	UserName       string `json:"userName"`
	IsHost         bool   `json:"isHost"`
}

type UserLeftPayload struct {
	TableID        string `json:"tableId"`
	GuestSessionID string `json:"guestSessionId"`
	UserName       string `json:"userName"`
}

// SessionUpdatedPayload is a partial merge into the local session record.
type SessionUpdatedPayload struct {
	TableID     string   `json:"tableId"`
	Status      string   `json:"status,omitempty"`
	TotalAmount *float64 `json:"totalAmount,omitempty"`
	PaidAmount  *float64 `json:"paidAmount,omitempty"`
}

// SessionReplacedPayload tells this device its session was claimed by a
// newer one.
type SessionReplacedPayload struct {
	TableID       string `json:"tableId"`
	NewSessionID  string `json:"newSessionId,omitempty"`
	ShouldRefresh bool   `json:"shouldRefresh"`
	Reason        string `json:"reason,omitempty"`
}

// OrderLockedPayload announces which device initiated order placement.
type OrderLockedPayload struct {
	TableSessionID string `json:"tableSessionId"`
	LockedBy       string `json:"lockedBy"`
	UserName       string `json:"userName,omitempty"`
}

// NewRoundPayload starts the next ordering round.
type NewRoundPayload struct {
	TableSessionID string `json:"tableSessionId"`
	Round          int    `json:"round"`
}
