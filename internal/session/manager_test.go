// internal/session/manager_test.go
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabsyteam/tabsy-table-session/internal/api"
	"github.com/tabsyteam/tabsy-table-session/internal/auth"
	"github.com/tabsyteam/tabsy-table-session/internal/coordinator"
	"github.com/tabsyteam/tabsy-table-session/internal/models"
	"github.com/tabsyteam/tabsy-table-session/internal/storage"
)

// joinBackend is a minimal guest-session endpoint counting join calls.
type joinBackend struct {
	srv       *httptest.Server
	joinCalls int64
	nextGuest int64
}

func newJoinBackend(t *testing.T) *joinBackend {
	t.Helper()
	auth.Init()
	b := &joinBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/guest" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt64(&b.joinCalls, 1)
		var req api.JoinTableRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n := atomic.AddInt64(&b.nextGuest, 1)
		guestID := fmt.Sprintf("guest-%d", n)
		token, err := auth.CreateGuestToken(guestID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(models.GuestSession{
			SessionID:      guestID,
			TableSessionID: "ts-" + req.TableID,
			Token:          token,
			RestaurantID:   req.RestaurantID,
			TableID:        req.TableID,
			RestaurantName: "Testaurant",
			UserName:       req.UserName,
			IsHost:         n == 1,
		})
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *joinBackend) calls() int64 { return atomic.LoadInt64(&b.joinCalls) }

func newTestManager(tableID string, client *api.Client, store storage.Store, coord *coordinator.Coordinator) *Manager {
	return NewManager(Config{
		RestaurantID: "r1",
		TableID:      tableID,
		QRCode:       "qr-" + tableID,
		UserName:     "Ana",
		API:          client,
		Store:        store,
		Coordinator:  coord,
	})
}

func TestBootstrapFreshJoin(t *testing.T) {
	backend := newJoinBackend(t)
	store := storage.NewMemoryStore()
	coord := coordinator.New(coordinator.NewStoreLock(store), nil)
	client := api.New(backend.srv.URL, nil)

	m := newTestManager("fresh-1", client, store, coord)
	require.NoError(t, m.Bootstrap(context.Background()))

	state, errMsg := m.State()
	assert.Equal(t, StateReady, state)
	assert.Empty(t, errMsg)
	assert.EqualValues(t, 1, backend.calls())

	dining := m.DiningSession()
	require.NotNil(t, dining)
	assert.Equal(t, "guest-1", dining.SessionID)
	assert.Equal(t, "ts-fresh-1", dining.TableSessionID)
	assert.True(t, m.IsHost())

	// Identifiers are persisted under the primary and legacy keys.
	ctx := context.Background()
	tok, err := store.Get(ctx, storage.GuestSessionKey)
	require.NoError(t, err)
	assert.Equal(t, client.Token(), tok)
	legacy, err := store.Get(ctx, storage.TableGuestSessionKey("fresh-1"))
	require.NoError(t, err)
	assert.Equal(t, tok, legacy)
	tsID, err := store.Get(ctx, storage.TableSessionIDKey)
	require.NoError(t, err)
	assert.Equal(t, "ts-fresh-1", tsID)
	_, err = store.Get(ctx, storage.DiningSessionKey)
	require.NoError(t, err)

	assert.True(t, coord.HasSession("fresh-1"))
}

// TestConcurrentBootstrapSingleJoin checks that two views of the same
// device bootstrapping at once issue one network join and converge on the
// same session id.
func TestConcurrentBootstrapSingleJoin(t *testing.T) {
	backend := newJoinBackend(t)
	store := storage.NewMemoryStore()
	coord := coordinator.New(coordinator.NewStoreLock(store), nil)
	client := api.New(backend.srv.URL, nil)

	m1 := newTestManager("race-1", client, store, coord)
	m2 := newTestManager("race-1", client, store, coord)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, m := range []*Manager{m1, m2} {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			errs[i] = m.Bootstrap(context.Background())
		}(i, m)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 1, backend.calls(), "concurrent bootstraps must share one join call")

	d1, d2 := m1.DiningSession(), m2.DiningSession()
	require.NotNil(t, d1)
	require.NotNil(t, d2)
	assert.Equal(t, d1.SessionID, d2.SessionID)
}

// TestBootstrapReusesPersistedToken checks precedence: a valid stored
// token short-circuits the network join entirely.
func TestBootstrapReusesPersistedToken(t *testing.T) {
	backend := newJoinBackend(t)
	store := storage.NewMemoryStore()
	coord := coordinator.New(coordinator.NewStoreLock(store), nil)
	client := api.New(backend.srv.URL, nil)
	ctx := context.Background()

	token, err := auth.CreateGuestToken("guest-old")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, storage.GuestSessionKey, token))
	ds, _ := json.Marshal(models.DiningSession{
		RestaurantID: "r1", TableID: "reuse-1", SessionID: "guest-old",
		TableSessionID: "ts-reuse-1", CreatedAt: time.Now(),
	})
	require.NoError(t, store.Set(ctx, storage.DiningSessionKey, string(ds)))

	m := newTestManager("reuse-1", client, store, coord)
	require.NoError(t, m.Bootstrap(ctx))

	assert.Zero(t, backend.calls(), "a stored valid token must not trigger a join")
	dining := m.DiningSession()
	require.NotNil(t, dining)
	assert.Equal(t, "guest-old", dining.SessionID)
	assert.Equal(t, "ts-reuse-1", dining.TableSessionID)
	assert.Equal(t, token, client.Token())
}

// TestBootstrapRejectsExpiredToken checks that a stale persisted token
// falls through to a fresh join.
func TestBootstrapRejectsExpiredToken(t *testing.T) {
	backend := newJoinBackend(t)
	store := storage.NewMemoryStore()
	coord := coordinator.New(coordinator.NewStoreLock(store), nil)
	client := api.New(backend.srv.URL, nil)
	ctx := context.Background()

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "guest-stale",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	tokenStr, err := expired.SignedString([]byte("irrelevant"))
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, storage.GuestSessionKey, tokenStr))

	m := newTestManager("expired-1", client, store, coord)
	require.NoError(t, m.Bootstrap(ctx))

	assert.EqualValues(t, 1, backend.calls(), "expired token must fall through to a fresh join")
	dining := m.DiningSession()
	require.NotNil(t, dining)
	assert.NotEqual(t, "guest-stale", dining.SessionID)
}

// TestBootstrapRejectsForeignTableToken checks that a dining session
// persisted for another table is not adopted.
func TestBootstrapRejectsForeignTableToken(t *testing.T) {
	backend := newJoinBackend(t)
	store := storage.NewMemoryStore()
	coord := coordinator.New(coordinator.NewStoreLock(store), nil)
	client := api.New(backend.srv.URL, nil)
	ctx := context.Background()

	token, err := auth.CreateGuestToken("guest-elsewhere")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, storage.GuestSessionKey, token))
	ds, _ := json.Marshal(models.DiningSession{
		RestaurantID: "r1", TableID: "other-table", SessionID: "guest-elsewhere",
		TableSessionID: "ts-other", CreatedAt: time.Now(),
	})
	require.NoError(t, store.Set(ctx, storage.DiningSessionKey, string(ds)))

	m := newTestManager("foreign-1", client, store, coord)
	require.NoError(t, m.Bootstrap(ctx))

	assert.EqualValues(t, 1, backend.calls())
	dining := m.DiningSession()
	require.NotNil(t, dining)
	assert.Equal(t, "foreign-1", dining.TableID)
}

func TestBootstrapFailsWhenBackendDown(t *testing.T) {
	store := storage.NewMemoryStore()
	coord := coordinator.New(coordinator.NewStoreLock(store), nil)
	client := api.New("http://127.0.0.1:1", nil) // nothing listens here

	m := newTestManager("down-1", client, store, coord)
	err := m.Bootstrap(context.Background())
	require.Error(t, err)

	state, errMsg := m.State()
	assert.Equal(t, StateError, state)
	assert.NotEmpty(t, errMsg)

	// The failed attempt must release creation ownership for a retry.
	assert.False(t, coord.IsCreationInProgress("down-1"))
	assert.False(t, coord.HasSession("down-1"))
}
