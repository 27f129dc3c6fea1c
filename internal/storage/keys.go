// internal/storage/keys.go
package storage

// Fixed key namespace shared by every component that touches the store.
// The table-scoped guest-session key is kept alongside the primary key for
// backward compatibility with sessions persisted by older clients.
const (
	GuestSessionKey        = "tabsy-guest-session"
	TableSessionIDKey      = "tabsy-table-session-id"
	DiningSessionKey       = "tabsy-dining-session"
	SpecialInstructionsKey = "tabsy-cart-special-instructions"

	tableGuestSessionPrefix = "tabsy-guest-session-table-"
	creationLockPrefix      = "tabsy-session-creation-lock-"
)

// TableGuestSessionKey returns the legacy table-scoped guest-session key.
func TableGuestSessionKey(tableID string) string {
	return tableGuestSessionPrefix + tableID
}

// CreationLockKey returns the per-table session-creation lock key.
func CreationLockKey(tableID string) string {
	return creationLockPrefix + tableID
}

// SessionKeys lists every key holding session identity for a table, in
// the order they are purged on session replacement.
func SessionKeys(tableID string) []string {
	return []string{
		GuestSessionKey,
		TableGuestSessionKey(tableID),
		TableSessionIDKey,
	}
}
