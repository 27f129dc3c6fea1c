// internal/models/session.go
package models

import "time"

// SessionStatus is the server-driven lifecycle state of a table session.
type SessionStatus string

const (
	StatusActive         SessionStatus = "ACTIVE"
	StatusOrderingLocked SessionStatus = "ORDERING_LOCKED"
	StatusPaymentPending SessionStatus = "PAYMENT_PENDING"
	StatusClosed         SessionStatus = "CLOSED"
)

// DiningSession is the device-local record tying this guest to a table.
// It is created on the first successful join/create call, persisted in
// the local store, and destroyed on logout, session replacement, or expiry.
type DiningSession struct {
	RestaurantID   string    `json:"restaurantId"`
	TableID        string    `json:"tableId"`
	SessionID      string    `json:"sessionId"`
	TableSessionID string    `json:"tableSessionId,omitempty"`
	RestaurantName string    `json:"restaurantName,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TableSessionUser is one diner (device) participating in a table session.
type TableSessionUser struct {
	GuestSessionID string    `json:"guestSessionId"`
	UserName       string    `json:"userName"`
	IsHost         bool      `json:"isHost"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
}

// MultiUserTableSession mirrors the backend's record of one occupancy of a
// physical table, possibly spanning several guest sessions and ordering
// rounds. Status transitions are server-authoritative; the client only
// folds them in. PaidAmount <= TotalAmount holds once fully reconciled,
// but live merges of concurrent payment updates may transiently exceed it.
type MultiUserTableSession struct {
	ID           string        `json:"id"`
	SessionCode  string        `json:"sessionCode"`
	TableID      string        `json:"tableId"`
	RestaurantID string        `json:"restaurantId"`
	Status       SessionStatus `json:"status"`
	TotalAmount  float64       `json:"totalAmount"`
	PaidAmount   float64       `json:"paidAmount"`
	CreatedAt    time.Time     `json:"createdAt"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

// GuestSession is the backend's answer to a join/create call.
type GuestSession struct {
	SessionID      string    `json:"sessionId"`
	TableSessionID string    `json:"tableSessionId"`
	Token          string    `json:"token"`
	RestaurantID   string    `json:"restaurantId"`
	TableID        string    `json:"tableId"`
	RestaurantName string    `json:"restaurantName,omitempty"`
	UserName       string    `json:"userName,omitempty"`
	IsHost         bool      `json:"isHost"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Bill is the reconciled view of everything ordered and paid at a table.
type Bill struct {
	TableSessionID string      `json:"tableSessionId"`
	TotalAmount    float64     `json:"totalAmount"`
	PaidAmount     float64     `json:"paidAmount"`
	Orders         []Order     `json:"orders"`
	ByGuest        []GuestBill `json:"byGuest,omitempty"`
}

// GuestBill is one diner's share of the bill.
type GuestBill struct {
	GuestSessionID string  `json:"guestSessionId"`
	UserName       string  `json:"userName"`
	Amount         float64 `json:"amount"`
}
