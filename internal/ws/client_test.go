// internal/ws/client_test.go
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomerURL(t *testing.T) {
	u := CustomerURL("ws://localhost:8080/", "r1", "t 1", "guest-1")
	assert.Equal(t, "ws://localhost:8080/ws/customer?restaurantId=r1&sessionId=guest-1&tableId=t+1", u)
}

// echoBackend accepts one customer connection, pushes the given events,
// then forwards anything the client sends into received.
func echoBackend(t *testing.T, push []Event, received chan<- Event) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		for _, ev := range push {
			data, _ := json.Marshal(ev)
			if err := c.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			var ev Event
			if json.Unmarshal(msg, &ev) == nil {
				received <- ev
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatchAndEmit(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"tableId": "t1"})
	push := []Event{
		{Type: EventUserJoined, Payload: payload},
		{Type: "table:unknown_event", Payload: payload},
		{Type: EventUserJoined, Payload: payload},
	}
	received := make(chan Event, 4)
	srv := echoBackend(t, push, received)

	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), nil)

	var mu sync.Mutex
	var got []Event
	c.On(EventUserJoined, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Dial(ctx))
	defer c.Close()
	assert.True(t, c.Connected())

	// Both known events dispatch; the unknown one is dropped silently.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.JSONEq(t, string(payload), string(got[0].Payload))
	mu.Unlock()

	// Outbound events reach the server intact.
	require.NoError(t, c.Emit(EventCartUpdated, map[string]string{"tableSessionId": "ts-1"}))
	select {
	case ev := <-received:
		assert.Equal(t, EventCartUpdated, ev.Type)
		assert.JSONEq(t, `{"tableSessionId":"ts-1"}`, string(ev.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the emitted event")
	}
}

func TestEmitBeforeDial(t *testing.T) {
	c := NewClient("ws://localhost:1/ws/customer", nil)
	err := c.Emit(EventCartUpdated, map[string]string{})
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestOnDisconnectFiresOnServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		// Drop the connection abruptly.
		c.CloseNow()
	}))
	defer srv.Close()

	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	disconnected := make(chan struct{})
	var once sync.Once
	c.OnDisconnect = func(err error) {
		once.Do(func() { close(disconnected) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Dial(ctx))
	defer c.Close()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnect never fired")
	}
	assert.False(t, c.Connected())

	// The read pump's exit tears down the whole connection: the pump
	// context is cancelled, the conn is dropped, and Emit refuses work
	// instead of queueing into a dead write pump.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.conn == nil && c.cancel == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Error(t, c.Emit(EventCartUpdated, map[string]string{}))
}
