// internal/models/cart.go
package models

// CartAttribution identifies which device last touched a cart item.
type CartAttribution struct {
	GuestSessionID string `json:"guestSessionId"`
	UserName       string `json:"userName"`
}

// SharedCartItem is one line of the per-table shared cart. Items are
// ephemeral per ordering round: cleared on a new round or after a
// successful order placement.
type SharedCartItem struct {
	MenuItemID string            `json:"menuItemId"`
	Name       string            `json:"name"`
	Quantity   int               `json:"quantity"`
	Price      float64           `json:"price"`
	Subtotal   float64           `json:"subtotal"`
	Options    map[string]string `json:"options,omitempty"`
	AddedBy    CartAttribution   `json:"addedBy"`
}

// CartState is the locally derived view of the shared cart. IsLocked
// blocks further local mutation once any device has started order
// placement; a new round clears it.
type CartState struct {
	Items        []SharedCartItem `json:"items"`
	Total        float64          `json:"total"`
	IsLocked     bool             `json:"isLocked"`
	CurrentRound int              `json:"currentRound"`
}

// CartBroadcast is the wire payload of a table:cart_updated event. The
// receiving side replaces its whole item list with the payload; there is
// no per-item merge (last broadcast wins).
type CartBroadcast struct {
	TableSessionID string           `json:"tableSessionId"`
	Items          []SharedCartItem `json:"items"`
	Total          float64          `json:"total"`
	UpdatedBy      CartAttribution  `json:"updatedBy"`
	Round          int              `json:"round"`
}
