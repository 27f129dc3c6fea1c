// internal/session/events_test.go
package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabsyteam/tabsy-table-session/internal/coordinator"
	"github.com/tabsyteam/tabsy-table-session/internal/models"
	"github.com/tabsyteam/tabsy-table-session/internal/storage"
	"github.com/tabsyteam/tabsy-table-session/internal/ws"
)

func event(t *testing.T, eventType string, payload interface{}) ws.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return ws.Event{Type: eventType, Payload: data}
}

// readyManager returns a manager already holding a dining session, as if
// Bootstrap had succeeded.
func readyManager(toasts *[]string, navigations *int) *Manager {
	store := storage.NewMemoryStore()
	m := NewManager(Config{
		RestaurantID: "r1",
		TableID:      "t1",
		UserName:     "Ana",
		Store:        store,
		Coordinator:  coordinator.New(coordinator.NewStoreLock(store), nil),
		OnToast: func(msg string) {
			if toasts != nil {
				*toasts = append(*toasts, msg)
			}
		},
		OnNavigateHome: func() {
			if navigations != nil {
				*navigations++
			}
		},
	})
	m.dining = &models.DiningSession{
		RestaurantID: "r1", TableID: "t1", SessionID: "guest-self",
		TableSessionID: "ts-1", CreatedAt: time.Now(),
	}
	m.state = StateReady
	return m
}

func TestUserJoinedUpsertsByGuestSession(t *testing.T) {
	var toasts []string
	m := readyManager(&toasts, nil)

	join := ws.UserJoinedPayload{TableID: "t1", GuestSessionID: "guest-b", UserName: "Ben"}
	m.handleUserJoined(event(t, ws.EventUserJoined, join))
	require.Len(t, m.Users(), 1)
	assert.Equal(t, []string{"Ben joined the table"}, toasts)

	// Rejoin of the same guest updates in place, no growth, no toast.
	join.UserName = "Benjamin"
	m.handleUserJoined(event(t, ws.EventUserJoined, join))
	users := m.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "Benjamin", users[0].UserName)
	assert.Len(t, toasts, 1)
}

func TestSelfJoinDoesNotToast(t *testing.T) {
	var toasts []string
	m := readyManager(&toasts, nil)

	m.handleUserJoined(event(t, ws.EventUserJoined, ws.UserJoinedPayload{
		TableID: "t1", GuestSessionID: "guest-self", UserName: "Ana", IsHost: true,
	}))
	assert.Len(t, m.Users(), 1, "self still appears in the participant list")
	assert.Empty(t, toasts)
}

func TestUserJoinedIgnoresForeignTable(t *testing.T) {
	m := readyManager(nil, nil)
	m.handleUserJoined(event(t, ws.EventUserJoined, ws.UserJoinedPayload{
		TableID: "t2", GuestSessionID: "guest-x", UserName: "Xan",
	}))
	assert.Empty(t, m.Users())
}

func TestUserLeftRemovesAndToasts(t *testing.T) {
	var toasts []string
	m := readyManager(&toasts, nil)
	m.handleUserJoined(event(t, ws.EventUserJoined, ws.UserJoinedPayload{
		TableID: "t1", GuestSessionID: "guest-b", UserName: "Ben",
	}))
	toasts = nil

	m.handleUserLeft(event(t, ws.EventUserLeft, ws.UserLeftPayload{
		TableID: "t1", GuestSessionID: "guest-b",
	}))
	assert.Empty(t, m.Users())
	assert.Equal(t, []string{"Ben left the table"}, toasts, "name falls back to the roster entry")

	// Leaving twice is a no-op.
	m.handleUserLeft(event(t, ws.EventUserLeft, ws.UserLeftPayload{
		TableID: "t1", GuestSessionID: "guest-b",
	}))
	assert.Len(t, toasts, 1)
}

func TestSessionUpdatedMergesPartially(t *testing.T) {
	m := readyManager(nil, nil)
	m.handleSessionCreated(event(t, ws.EventSessionCreated, models.MultiUserTableSession{
		ID: "ts-1", TableID: "t1", Status: models.StatusActive, TotalAmount: 10,
	}))
	require.NotNil(t, m.Session())

	paid := 4.5
	m.handleSessionUpdated(event(t, ws.EventSessionUpdated, ws.SessionUpdatedPayload{
		TableID: "t1", PaidAmount: &paid,
	}))

	s := m.Session()
	require.NotNil(t, s)
	assert.Equal(t, models.StatusActive, s.Status, "absent fields stay untouched")
	assert.Equal(t, 10.0, s.TotalAmount)
	assert.Equal(t, 4.5, s.PaidAmount)

	m.handleSessionUpdated(event(t, ws.EventSessionUpdated, ws.SessionUpdatedPayload{
		TableID: "t1", Status: string(models.StatusOrderingLocked),
	}))
	s = m.Session()
	assert.Equal(t, models.StatusOrderingLocked, s.Status)
	assert.Equal(t, 4.5, s.PaidAmount)
}

func TestSessionClosedNavigatesOnce(t *testing.T) {
	var navigations int
	m := readyManager(nil, &navigations)
	m.handleUserJoined(event(t, ws.EventUserJoined, ws.UserJoinedPayload{
		TableID: "t1", GuestSessionID: "guest-b", UserName: "Ben",
	}))

	closed := event(t, ws.EventSessionClosed, map[string]string{"tableId": "t1"})
	m.handleSessionClosed(closed)
	m.handleSessionClosed(closed)

	assert.Equal(t, 1, navigations, "duplicate close events navigate once")
	assert.Nil(t, m.DiningSession())
	assert.Nil(t, m.Session())
	assert.Empty(t, m.Users())
	state, _ := m.State()
	assert.Equal(t, StateInit, state)
}
