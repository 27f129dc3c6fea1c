// internal/models/order.go
package models

import "time"

// OrderItem is one line of a placed order, built from the shared cart at
// placement time.
type OrderItem struct {
	MenuItemID string            `json:"menuItemId"`
	Name       string            `json:"name"`
	Quantity   int               `json:"quantity"`
	Price      float64           `json:"price"`
	Options    map[string]string `json:"options,omitempty"`
}

// Order is a placed order within one round of a table session.
type Order struct {
	ID                  string      `json:"id"`
	TableSessionID      string      `json:"tableSessionId"`
	Round               int         `json:"round"`
	Items               []OrderItem `json:"items"`
	Total               float64     `json:"total"`
	PlacedBy            string      `json:"placedBy"`
	SpecialInstructions string      `json:"specialInstructions,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
}

// Payment is the read-side view of a payment against a table session.
type Payment struct {
	ID             string    `json:"id"`
	TableSessionID string    `json:"tableSessionId"`
	Amount         float64   `json:"amount"`
	Status         string    `json:"status"`
	ReceiptURL     string    `json:"receiptUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Feedback is a diner's post-meal rating.
type Feedback struct {
	TableSessionID string `json:"tableSessionId"`
	Rating         int    `json:"rating"`
	Comment        string `json:"comment,omitempty"`
	PhotoURL       string `json:"photoUrl,omitempty"`
}
