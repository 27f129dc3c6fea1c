// internal/replacement/handler.go

// Package replacement funnels every way a table session can be yanked out
// from under a device — graceful ending notice, hard replacement,
// invalid-session errors, raw transport loss — into one terminal modal
// state followed by a purge of all stored identifiers and a redirect home.
package replacement

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tabsyteam/tabsy-table-session/internal/api"
	"github.com/tabsyteam/tabsy-table-session/internal/coordinator"
	"github.com/tabsyteam/tabsy-table-session/internal/storage"
	"github.com/tabsyteam/tabsy-table-session/internal/ws"
)

// ModalState is the user-facing terminal screen.
type ModalState string

const (
	ModalNone            ModalState = ""
	ModalSessionEnding   ModalState = "session-ending"
	ModalSessionReplaced ModalState = "session-replaced"
	ModalThankYou        ModalState = "thank-you"
)

const (
	// DefaultGraceDelay is how long a raw disconnect gets to reconnect
	// before counting as a failed attempt.
	DefaultGraceDelay = 2 * time.Second
	// DefaultMaxReconnects bounds automatic reconnect attempts; the
	// counter resets on any successful reconnect.
	DefaultMaxReconnects = 3
	// DefaultRefreshDelay is the pause before an automatic reload when
	// the server asks for one.
	DefaultRefreshDelay = 3 * time.Second
)

// Config wires a Handler to its collaborators.
type Config struct {
	TableID     string
	Store       storage.Store
	Coordinator *coordinator.Coordinator
	API         *api.Client
	Logger      *logrus.Logger

	GraceDelay    time.Duration
	MaxReconnects int
	RefreshDelay  time.Duration

	// OnModal shows a terminal screen. OnRedirectHome navigates to the
	// home route after the purge. OnReload is the full-reload equivalent
	// scheduled by sessionReplaced{shouldRefresh:true}.
	OnModal        func(ModalState)
	OnRedirectHome func()
	OnReload       func()
}

// Handler wraps the session tree and owns disruption handling and the
// reconnect policy for the bridge it is bound to.
type Handler struct {
	mu sync.Mutex

	cfg    Config
	logger *logrus.Logger
	bridge *ws.Client

	latched  bool
	attempts int
	modal    ModalState
}

// New returns a Handler with defaults filled in.
func New(cfg Config) *Handler {
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = DefaultGraceDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Handler{cfg: cfg, logger: cfg.Logger}
}

// Modal returns the current terminal state, if any.
func (h *Handler) Modal() ModalState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.modal
}

// Bind installs the handler's event and transport hooks on the bridge.
func (h *Handler) Bind(bridge *ws.Client) {
	h.mu.Lock()
	h.bridge = bridge
	h.mu.Unlock()

	bridge.On(ws.EventSessionEnding, func(ev ws.Event) {
		var p struct {
			Reason string `json:"reason,omitempty"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if p.Reason == "payment_complete" {
			h.trigger(ModalThankYou, false)
			return
		}
		h.trigger(ModalSessionEnding, false)
	})

	bridge.On(ws.EventSessionReplaced, func(ev ws.Event) {
		var p ws.SessionReplacedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			h.logger.Warnf("Replacement %s: bad sessionReplaced payload: %v", h.cfg.TableID, err)
		}
		h.trigger(ModalSessionReplaced, p.ShouldRefresh)
	})

	bridge.OnDisconnect = h.handleDisconnect
	bridge.OnConnect = h.handleConnected
}

// NotifySessionError routes invalid/expired/replaced-session API errors
// into the same teardown as a server-pushed replacement. Other errors are
// ignored here and stay with the caller.
func (h *Handler) NotifySessionError(err error) {
	if api.IsSessionInvalid(err) {
		h.trigger(ModalSessionReplaced, false)
	}
}

// handleConnected resets the reconnect budget and the disruption latch.
func (h *Handler) handleConnected() {
	h.mu.Lock()
	h.attempts = 0
	h.latched = false
	h.mu.Unlock()
}

// handleDisconnect gives the transport a grace window to come back, then
// retries the dial up to the attempt budget. Exhausting the budget means
// the session was actually replaced.
func (h *Handler) handleDisconnect(err error) {
	h.mu.Lock()
	if h.latched {
		h.mu.Unlock()
		return
	}
	h.attempts++
	attempt := h.attempts
	max := h.cfg.MaxReconnects
	bridge := h.bridge
	h.mu.Unlock()

	if err != nil {
		h.logger.Warnf("Replacement %s: transport lost (attempt %d/%d): %v", h.cfg.TableID, attempt, max, err)
	}

	if attempt > max {
		h.trigger(ModalSessionReplaced, false)
		return
	}

	time.AfterFunc(h.cfg.GraceDelay, func() {
		h.mu.Lock()
		stillLatched := h.latched
		h.mu.Unlock()
		if stillLatched || bridge == nil {
			return
		}
		if bridge.Connected() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if dialErr := bridge.Dial(ctx); dialErr != nil {
			h.logger.Warnf("Replacement %s: reconnect %d/%d failed: %v", h.cfg.TableID, attempt, max, dialErr)
			h.handleDisconnect(nil)
		}
	})
}

// trigger runs the one-shot modal/purge/redirect sequence. The latch
// ensures only the first disruption acts; it resets on reconnect.
func (h *Handler) trigger(state ModalState, shouldRefresh bool) {
	h.mu.Lock()
	if h.latched {
		h.mu.Unlock()
		return
	}
	h.latched = true
	h.modal = state
	h.mu.Unlock()

	h.logger.Infof("Replacement %s: disruption -> %s", h.cfg.TableID, state)

	if h.cfg.OnModal != nil {
		h.cfg.OnModal(state)
	}

	h.purge()

	if h.cfg.OnRedirectHome != nil {
		h.cfg.OnRedirectHome()
	}

	if shouldRefresh && h.cfg.OnReload != nil {
		time.AfterFunc(h.cfg.RefreshDelay, h.cfg.OnReload)
	}
}

// purge removes every stored session identifier before any reload fires.
func (h *Handler) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, key := range storage.SessionKeys(h.cfg.TableID) {
		if err := h.cfg.Store.Delete(ctx, key); err != nil {
			h.logger.Warnf("Replacement %s: failed to purge %s: %v", h.cfg.TableID, key, err)
		}
	}
	if err := h.cfg.Store.Delete(ctx, storage.DiningSessionKey); err != nil {
		h.logger.Warnf("Replacement %s: failed to purge dining session: %v", h.cfg.TableID, err)
	}

	h.cfg.Coordinator.ClearSession(h.cfg.TableID)
	if h.cfg.API != nil {
		h.cfg.API.SetToken("")
	}
}
