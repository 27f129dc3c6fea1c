// internal/simulator/table_session.go
package simulator

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabsyteam/tabsy-table-session/internal/models"
	"github.com/tabsyteam/tabsy-table-session/internal/ws"
)

// sessionTTL is how long a simulated table session stays claimable.
const sessionTTL = 2 * time.Hour

// Guest is one diner known to a table session, connected or not.
type Guest struct {
	GuestSessionID string
	UserName       string
	IsHost         bool
	CreatedAt      time.Time
	LastActivity   time.Time
}

// Conn is a single device's live WebSocket presence at the table.
type Conn struct {
	GuestSessionID string
	UserName       string
	Cancel         func()
	OutChan        chan ws.Event
	IsHost         bool
}

// Write pushes an event onto the device's OutChan non-blockingly. Logs if
// dropped.
func (c *Conn) Write(ev ws.Event) {
	select {
	case c.OutChan <- ev:
	default:
		log.Printf("Conn Write WARNING: OutChan for guest %s closed or full. Dropped event '%s'.", c.GuestSessionID, ev.Type)
	}
}

// TableSession is the simulated backend record of one table occupancy.
type TableSession struct {
	ID           string
	SessionCode  string
	TableID      string
	RestaurantID string
	Status       models.SessionStatus
	TotalAmount  float64
	PaidAmount   float64
	Round        int
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time

	Guests      map[string]*Guest
	Connections map[string]*Conn

	Cart     []models.SharedCartItem
	CartBy   models.CartAttribution
	Locked   bool
	LockedBy string

	Orders []models.Order

	// OnEmpty is called after removing the last connection, typically to
	// drop the session from the store.
	OnEmpty func(tableID string)

	Mu sync.Mutex
}

// newTableSession opens a session for a table with the given host.
func newTableSession(restaurantID, tableID string) *TableSession {
	now := time.Now()
	return &TableSession{
		ID:           uuid.NewString(),
		SessionCode:  strings.ToUpper(uuid.NewString()[:6]),
		TableID:      tableID,
		RestaurantID: restaurantID,
		Status:       models.StatusActive,
		Round:        1,
		CreatedAt:    now,
		ExpiresAt:    now.Add(sessionTTL),
		LastActivity: now,
		Guests:       make(map[string]*Guest),
		Connections:  make(map[string]*Conn),
	}
}

// AddGuest registers a diner. The first guest is the host.
func (ts *TableSession) AddGuest(userName string) *Guest {
	ts.Mu.Lock()
	defer ts.Mu.Unlock()

	now := time.Now()
	g := &Guest{
		GuestSessionID: uuid.NewString(),
		UserName:       userName,
		IsHost:         len(ts.Guests) == 0,
		CreatedAt:      now,
		LastActivity:   now,
	}
	ts.Guests[g.GuestSessionID] = g
	ts.LastActivity = now
	return g
}

// AddConnection attaches a device and announces the join to everyone at
// the table.
func (ts *TableSession) AddConnection(guestSessionID string, conn *Conn) {
	ts.Mu.Lock()

	g, known := ts.Guests[guestSessionID]
	if known {
		conn.UserName = g.UserName
		conn.IsHost = g.IsHost
		g.LastActivity = time.Now()
	}

	if old, ok := ts.Connections[guestSessionID]; ok && old != conn {
		close(old.OutChan)
		if old.Cancel != nil {
			old.Cancel()
		}
	}
	ts.Connections[guestSessionID] = conn

	joinEv := mustEvent(ws.EventUserJoined, ws.UserJoinedPayload{
		TableID:        ts.TableID,
		GuestSessionID: guestSessionID,
		UserName:       conn.UserName,
		IsHost:         conn.IsHost,
	})
	ts.broadcastUnsafe(joinEv)

	// Replay current shared state to the newcomer, starting with the
	// session record itself so the device can seed its session view.
	conn.Write(mustEvent(ws.EventSessionCreated, ts.snapshotUnsafe()))
	if len(ts.Cart) > 0 {
		conn.Write(mustEvent(ws.EventCartUpdated, models.CartBroadcast{
			TableSessionID: ts.ID,
			Items:          ts.Cart,
			Total:          cartTotal(ts.Cart),
			UpdatedBy:      ts.CartBy,
			Round:          ts.Round,
		}))
	}
	if ts.Locked {
		conn.Write(mustEvent(ws.EventOrderLocked, ws.OrderLockedPayload{
			TableSessionID: ts.ID,
			LockedBy:       ts.LockedBy,
		}))
	}
	ts.Mu.Unlock()

	log.Printf("TableSession %s: guest %s (%s) connected.", ts.ID, guestSessionID, conn.UserName)
}

// RemoveConnection detaches a device and announces the leave. Calls
// OnEmpty when no connections remain.
func (ts *TableSession) RemoveConnection(guestSessionID string) {
	ts.Mu.Lock()

	conn, ok := ts.Connections[guestSessionID]
	if !ok {
		ts.Mu.Unlock()
		return
	}

	go func(ch chan ws.Event, cancel func()) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("TableSession %s: recovered closing OutChan for guest %s: %v", ts.ID, guestSessionID, r)
			}
		}()
		close(ch)
		if cancel != nil {
			cancel()
		}
	}(conn.OutChan, conn.Cancel)

	delete(ts.Connections, guestSessionID)

	leaveEv := mustEvent(ws.EventUserLeft, ws.UserLeftPayload{
		TableID:        ts.TableID,
		GuestSessionID: guestSessionID,
		UserName:       conn.UserName,
	})
	ts.broadcastUnsafe(leaveEv)

	isEmpty := len(ts.Connections) == 0
	onEmpty := ts.OnEmpty
	ts.Mu.Unlock()

	log.Printf("TableSession %s: guest %s disconnected.", ts.ID, guestSessionID)

	if isEmpty && onEmpty != nil {
		onEmpty(ts.TableID)
	}
}

// UpdateCart replaces the shared cart from one device's broadcast and
// fans it out to every other device at the table.
func (ts *TableSession) UpdateCart(b models.CartBroadcast) {
	ts.Mu.Lock()
	if ts.Locked {
		ts.Mu.Unlock()
		return
	}
	ts.Cart = b.Items
	ts.CartBy = b.UpdatedBy
	ts.LastActivity = time.Now()

	ev := mustEvent(ws.EventCartUpdated, models.CartBroadcast{
		TableSessionID: ts.ID,
		Items:          b.Items,
		Total:          b.Total,
		UpdatedBy:      b.UpdatedBy,
		Round:          ts.Round,
	})
	for id, conn := range ts.Connections {
		if id == b.UpdatedBy.GuestSessionID {
			continue
		}
		conn.Write(ev)
	}
	ts.Mu.Unlock()
}

// Lock marks ordering locked and announces it.
func (ts *TableSession) Lock(guestSessionID string) {
	ts.Mu.Lock()
	ts.Locked = true
	ts.LockedBy = guestSessionID
	ts.Status = models.StatusOrderingLocked
	userName := ""
	if g, ok := ts.Guests[guestSessionID]; ok {
		userName = g.UserName
	}
	ts.broadcastUnsafe(mustEvent(ws.EventOrderLocked, ws.OrderLockedPayload{
		TableSessionID: ts.ID,
		LockedBy:       guestSessionID,
		UserName:       userName,
	}))
	ts.Mu.Unlock()
}

// RecordOrder stores a placed order, updates totals, and announces the
// new running total.
func (ts *TableSession) RecordOrder(order models.Order) {
	ts.Mu.Lock()
	ts.Orders = append(ts.Orders, order)
	ts.TotalAmount += order.Total
	ts.LastActivity = time.Now()
	total := ts.TotalAmount
	paid := ts.PaidAmount
	ts.broadcastUnsafe(mustEvent(ws.EventSessionUpdated, ws.SessionUpdatedPayload{
		TableID:     ts.TableID,
		Status:      string(ts.Status),
		TotalAmount: &total,
		PaidAmount:  &paid,
	}))
	ts.Mu.Unlock()
}

// NewRound clears the shared cart, unlocks ordering, bumps the round, and
// announces it.
func (ts *TableSession) NewRound() {
	ts.Mu.Lock()
	ts.Cart = nil
	ts.Locked = false
	ts.LockedBy = ""
	ts.Round++
	ts.Status = models.StatusActive
	ts.broadcastUnsafe(mustEvent(ws.EventNewRound, ws.NewRoundPayload{
		TableSessionID: ts.ID,
		Round:          ts.Round,
	}))
	ts.Mu.Unlock()
}

// End sends the graceful pre-close notice with a reason, e.g.
// "payment_complete" once the bill is settled.
func (ts *TableSession) End(reason string) {
	ts.Mu.Lock()
	ts.broadcastUnsafe(mustEvent(ws.EventSessionEnding, map[string]string{
		"tableId": ts.TableID,
		"reason":  reason,
	}))
	ts.Mu.Unlock()
}

// Close ends the session and announces it.
func (ts *TableSession) Close() {
	ts.Mu.Lock()
	ts.Status = models.StatusClosed
	ts.broadcastUnsafe(mustEvent(ws.EventSessionClosed, map[string]string{
		"tableId": ts.TableID,
	}))
	ts.Mu.Unlock()
}

// Replace tells every connected device its session was claimed by a new
// one.
func (ts *TableSession) Replace(newSessionID string, shouldRefresh bool) {
	ts.Mu.Lock()
	ts.broadcastUnsafe(mustEvent(ws.EventSessionReplaced, ws.SessionReplacedPayload{
		TableID:       ts.TableID,
		NewSessionID:  newSessionID,
		ShouldRefresh: shouldRefresh,
		Reason:        "table claimed by a new session",
	}))
	ts.Mu.Unlock()
}

// Snapshot returns the wire form of the session record.
func (ts *TableSession) Snapshot() models.MultiUserTableSession {
	ts.Mu.Lock()
	defer ts.Mu.Unlock()
	return ts.snapshotUnsafe()
}

// snapshotUnsafe builds the wire form of the session record. Assumes
// lock is held.
func (ts *TableSession) snapshotUnsafe() models.MultiUserTableSession {
	return models.MultiUserTableSession{
		ID:           ts.ID,
		SessionCode:  ts.SessionCode,
		TableID:      ts.TableID,
		RestaurantID: ts.RestaurantID,
		Status:       ts.Status,
		TotalAmount:  ts.TotalAmount,
		PaidAmount:   ts.PaidAmount,
		CreatedAt:    ts.CreatedAt,
		ExpiresAt:    ts.ExpiresAt,
		LastActivity: ts.LastActivity,
	}
}

// broadcastUnsafe sends an event to every connection. Assumes lock is held.
func (ts *TableSession) broadcastUnsafe(ev ws.Event) {
	for _, conn := range ts.Connections {
		conn.Write(ev)
	}
}

func cartTotal(items []models.SharedCartItem) float64 {
	total := 0.0
	for _, it := range items {
		total += it.Subtotal
	}
	return total
}
