// internal/ws/client.go

// Package ws is the WebSocket event bridge: it dials the backend's
// customer namespace, folds the fixed set of server-pushed events into
// registered handlers, and carries outbound cart broadcasts. It applies
// no ordering reconciliation beyond what the transport delivers per
// connection.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Subprotocol spoken on the customer namespace.
const Subprotocol = "tabsy-customer"

const outBufferSize = 16

// CustomerURL builds the websocket URL for a table's customer namespace.
func CustomerURL(base, restaurantID, tableID, sessionID string) string {
	q := url.Values{}
	q.Set("restaurantId", restaurantID)
	q.Set("tableId", tableID)
	q.Set("sessionId", sessionID)
	return strings.TrimRight(base, "/") + "/ws/customer?" + q.Encode()
}

// Client is one connection to the customer namespace. Handlers are
// registered before Dial and dispatched from the read pump; they must not
// block.
type Client struct {
	url    string
	logger *logrus.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	conn      *websocket.Conn
	out       chan Event
	cancel    context.CancelFunc
	connected bool

	// Transport hooks. OnDisconnect fires once per connection loss with
	// the read error; the replacement handler owns reconnect policy.
	OnConnect    func()
	OnDisconnect func(err error)
}

// NewClient returns a bridge for the given customer-namespace URL.
func NewClient(wsURL string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		url:      wsURL,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// On installs the handler for an event name. One handler per event; the
// dispatch table is fixed for the connection's lifetime.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Dial opens the connection and starts the read and write pumps.
func (c *Client) Dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", c.url, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.out = make(chan Event, outBufferSize)
	c.cancel = cancel
	c.connected = true
	c.mu.Unlock()

	go c.writePump(pumpCtx, conn)
	go c.readPump(pumpCtx, conn)

	if c.OnConnect != nil {
		c.OnConnect()
	}
	return nil
}

// Connected reports whether the bridge currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Emit queues an outbound event non-blockingly. If the buffer is full the
// event is dropped and logged; cart sync tolerates drops because the next
// debounced broadcast carries the full cart anyway.
func (c *Client) Emit(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	c.mu.Lock()
	out := c.out
	connected := c.connected
	c.mu.Unlock()

	if !connected || out == nil {
		return fmt.Errorf("emit %s: not connected", event)
	}

	select {
	case out <- Event{Type: event, Payload: data}:
		return nil
	default:
		c.logger.Warnf("ws: out buffer full, dropped event %s", event)
		return nil
	}
}

// Close tears the connection down. Handlers stop firing once the pumps
// exit; there is no unsubscribe handshake with the server.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.connected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	var readErr error
	defer func() {
		c.mu.Lock()
		wasConnected := c.connected
		c.connected = false
		// Tear down this connection's write pump and socket unless a
		// newer Dial already replaced them.
		current := c.conn == conn
		cancel := c.cancel
		if current {
			c.conn = nil
			c.cancel = nil
		}
		c.mu.Unlock()

		if current {
			if cancel != nil {
				cancel()
			}
			_ = conn.Close(websocket.StatusNormalClosure, "read loop ended")
		}
		if wasConnected && c.OnDisconnect != nil {
			c.OnDisconnect(readErr)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, msg, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				c.logger.Info("ws: connection closed normally")
			} else if strings.Contains(err.Error(), "context canceled") {
				// Local teardown, not a transport failure.
			} else {
				c.logger.Warnf("ws: read error: %v (close status %d)", err, closeStatus)
				readErr = err
			}
			return
		}

		if typ != websocket.MessageText {
			c.logger.Warnf("ws: ignoring non-text message type %d", typ)
			continue
		}

		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			c.logger.Warnf("ws: invalid event json: %v", err)
			continue
		}

		c.mu.Lock()
		h, ok := c.handlers[ev.Type]
		c.mu.Unlock()
		if !ok {
			c.logger.Debugf("ws: no handler for event %s", ev.Type)
			continue
		}
		h(ev)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	c.mu.Lock()
	out := c.out
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-out:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.Warnf("ws: failed to marshal outgoing event %s: %v", ev.Type, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Warnf("ws: write failed: %v", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Warnf("ws: ping failed, assuming disconnect: %v", err)
				return
			}
		}
	}
}
