// internal/simulator/store.go
package simulator

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/tabsyteam/tabsy-table-session/internal/ws"
)

// SessionStore manages the active simulated table sessions in memory.
type SessionStore struct {
	mu       sync.Mutex
	byTable  map[string]*TableSession
	byID     map[string]*TableSession
	guestIdx map[string]*TableSession // guestSessionID -> session
}

// NewSessionStore initializes an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		byTable:  make(map[string]*TableSession),
		byID:     make(map[string]*TableSession),
		guestIdx: make(map[string]*TableSession),
	}
}

// GetOrCreate returns the active session for a table, creating one if the
// table is unoccupied. This is the backend's real idempotency point: no
// matter how many devices race the QR join, one table has one session.
func (s *SessionStore) GetOrCreate(restaurantID, tableID string) (*TableSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.byTable[tableID]; ok {
		return ts, false
	}
	ts := newTableSession(restaurantID, tableID)
	ts.OnEmpty = func(tID string) {
		// Connections may drop and return; sessions expire via Close or
		// Replace, not emptiness. Kept as a hook for expiry sweeps.
		log.Printf("SessionStore: table %s has no connected devices.", tID)
	}
	s.byTable[tableID] = ts
	s.byID[ts.ID] = ts
	log.Printf("SessionStore: opened table session %s for table %s.", ts.ID, tableID)
	return ts, true
}

// GetByTable returns the active session for a table.
func (s *SessionStore) GetByTable(tableID string) (*TableSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.byTable[tableID]
	return ts, ok
}

// GetByID returns a session by table-session id.
func (s *SessionStore) GetByID(id string) (*TableSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.byID[id]
	return ts, ok
}

// IndexGuest maps a guest session id back to its table session for
// authenticated REST calls.
func (s *SessionStore) IndexGuest(guestSessionID string, ts *TableSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guestIdx[guestSessionID] = ts
}

// GetByGuest resolves a guest session id to its table session.
func (s *SessionStore) GetByGuest(guestSessionID string) (*TableSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.guestIdx[guestSessionID]
	return ts, ok
}

// Delete drops a session from every index.
func (s *SessionStore) Delete(tableID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.byTable[tableID]
	if !ok {
		log.Printf("SessionStore WARNING: attempted to delete non-existent session for table %s.", tableID)
		return
	}
	delete(s.byTable, tableID)
	delete(s.byID, ts.ID)
	for gid, sess := range s.guestIdx {
		if sess == ts {
			delete(s.guestIdx, gid)
		}
	}
	log.Printf("SessionStore: deleted session %s for table %s.", ts.ID, tableID)
}

// mustEvent wraps a payload into a wire event. Payloads are our own
// structs; marshal failures are programming errors.
func mustEvent(eventType string, payload interface{}) ws.Event {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("simulator: failed to marshal %s payload: %v", eventType, err)
	}
	return ws.Event{Type: eventType, Payload: data}
}
