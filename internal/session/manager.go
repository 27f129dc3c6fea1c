// internal/session/manager.go

// Package session owns the bootstrap and reconciled state of one device's
// participation in a table session: acquire-or-join exactly once, persist
// identifiers, then mirror the server-pushed lifecycle.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tabsyteam/tabsy-table-session/internal/api"
	"github.com/tabsyteam/tabsy-table-session/internal/auth"
	"github.com/tabsyteam/tabsy-table-session/internal/coordinator"
	"github.com/tabsyteam/tabsy-table-session/internal/models"
	"github.com/tabsyteam/tabsy-table-session/internal/storage"
)

// State is the manager's externally visible lifecycle.
type State string

const (
	StateInit     State = "INIT"
	StateAwaiting State = "AWAIT"
	StateCreating State = "CREATE_OR_JOIN"
	StateReady    State = "READY"
	StateError    State = "ERROR"
)

// joinResult resolves the secondary per-table creation promise.
type joinResult struct {
	guest *models.GuestSession
	err   error
}

type joinPromise struct {
	done chan struct{}
	res  joinResult
}

// joinPromises guards the underlying network call so duplicate bootstrap
// invocations for the same table execute it exactly once, independently
// of the coordinator's registry.
var (
	joinPromisesMu sync.Mutex
	joinPromises   = make(map[string]*joinPromise)
)

// Config wires a Manager to its collaborators.
type Config struct {
	RestaurantID string
	TableID      string
	QRCode       string
	UserName     string

	API         *api.Client
	Store       storage.Store
	Coordinator *coordinator.Coordinator
	Logger      *logrus.Logger

	// OnNavigateHome is invoked exactly once when the session closes.
	// OnToast surfaces join/leave notices.
	OnNavigateHome func()
	OnToast        func(msg string)
}

// Manager bootstraps and tracks one table session for this device.
type Manager struct {
	mu sync.Mutex

	cfg    Config
	logger *logrus.Logger

	state     State
	errMsg    string
	dining    *models.DiningSession
	session   *models.MultiUserTableSession
	users     []models.TableSessionUser
	isHost    bool
	navigated bool

	// tokenExpiry backfills the session record's ExpiresAt when the
	// server omits it.
	tokenExpiry time.Time
}

// NewManager returns a Manager in INIT.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateInit,
	}
}

// State returns the current lifecycle state and error message, if any.
func (m *Manager) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.errMsg
}

// DiningSession returns the established table context, or nil before READY.
func (m *Manager) DiningSession() *models.DiningSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dining == nil {
		return nil
	}
	ds := *m.dining
	return &ds
}

// Session returns the mirrored multi-user session record, if known.
func (m *Manager) Session() *models.MultiUserTableSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Users returns the current participant list.
func (m *Manager) Users() []models.TableSessionUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TableSessionUser, len(m.users))
	copy(out, m.users)
	return out
}

// IsHost reports whether this device opened the table session.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

// Bootstrap acquires a session for the table, checking in order: a
// coordinator-known session, a coordinator-known in-flight creation, the
// API client's held token, the persisted token, an already-running join
// promise, and finally a fresh QR join/create guarded to run at most
// once. Any failure lands the manager in ERROR; recovery is a fresh
// Bootstrap, there is no automatic retry.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.setState(StateInit, "")

	// (1) Session already established in this process.
	if sessionID, ok := m.cfg.Coordinator.SessionID(m.cfg.TableID); ok {
		if err := m.restoreExisting(ctx, sessionID); err == nil {
			return nil
		}
		// Persisted record unusable; fall through and acquire fresh.
		m.cfg.Coordinator.ClearSession(m.cfg.TableID)
	}

	// (2) Another caller is creating; await its result.
	if m.cfg.Coordinator.IsCreationInProgress(m.cfg.TableID) {
		m.setState(StateAwaiting, "")
		if sessionID, ok := m.cfg.Coordinator.WaitForSessionCreation(ctx, m.cfg.TableID); ok {
			if err := m.restoreExisting(ctx, sessionID); err == nil {
				return nil
			}
		}
		// Winner failed or its result was unusable; retry from scratch.
		m.setState(StateInit, "")
	}

	// (3) Token already held by the API client (e.g. a sibling manager).
	if token := m.cfg.API.Token(); token != "" {
		if err := m.adoptToken(ctx, token); err == nil {
			return nil
		}
	}

	// (4) Token persisted by a previous run, primary then legacy key.
	for _, key := range []string{storage.GuestSessionKey, storage.TableGuestSessionKey(m.cfg.TableID)} {
		token, err := m.cfg.Store.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				m.logger.Warnf("Session %s: store read failed for %s: %v", m.cfg.TableID, key, err)
			}
			continue
		}
		if err := m.adoptToken(ctx, token); err == nil {
			return nil
		}
	}

	// (5)+(6) Fresh creation, deduplicated twice over.
	return m.createOrJoin(ctx)
}

// restoreExisting rebuilds READY state from the persisted dining session.
func (m *Manager) restoreExisting(ctx context.Context, sessionID string) error {
	raw, err := m.cfg.Store.Get(ctx, storage.DiningSessionKey)
	if err != nil {
		return fmt.Errorf("no persisted dining session: %w", err)
	}
	var ds models.DiningSession
	if err := json.Unmarshal([]byte(raw), &ds); err != nil {
		return fmt.Errorf("corrupt dining session record: %w", err)
	}
	if ds.SessionID != sessionID || ds.TableID != m.cfg.TableID {
		return fmt.Errorf("persisted dining session does not match table %s", m.cfg.TableID)
	}

	if token, err := m.cfg.Store.Get(ctx, storage.GuestSessionKey); err == nil {
		m.cfg.API.SetToken(token)
	}

	m.mu.Lock()
	m.dining = &ds
	m.state = StateReady
	m.errMsg = ""
	m.mu.Unlock()
	m.logger.Infof("Session %s: reusing existing session %s", m.cfg.TableID, sessionID)
	return nil
}

// adoptToken establishes READY state from a guest token, provided its
// claims are readable, unexpired, and the persisted context matches this
// table.
func (m *Manager) adoptToken(ctx context.Context, token string) error {
	claims, err := auth.InspectToken(token)
	if err != nil {
		return err
	}
	if !claims.ExpiresAt.IsZero() && time.Now().After(claims.ExpiresAt) {
		return fmt.Errorf("guest token expired at %s", claims.ExpiresAt)
	}

	ds := &models.DiningSession{
		RestaurantID: m.cfg.RestaurantID,
		TableID:      m.cfg.TableID,
		SessionID:    claims.GuestSessionID,
		CreatedAt:    time.Now(),
	}
	if raw, err := m.cfg.Store.Get(ctx, storage.DiningSessionKey); err == nil {
		var stored models.DiningSession
		if json.Unmarshal([]byte(raw), &stored) == nil && stored.SessionID == claims.GuestSessionID {
			if stored.TableID != m.cfg.TableID {
				return fmt.Errorf("stored session belongs to table %s, not %s", stored.TableID, m.cfg.TableID)
			}
			ds = &stored
		}
	}

	m.cfg.API.SetToken(token)
	if err := m.persist(ctx, ds, token); err != nil {
		return err
	}
	m.cfg.Coordinator.CompleteSessionCreation(ctx, m.cfg.TableID, ds.SessionID)

	m.mu.Lock()
	m.dining = ds
	m.tokenExpiry = claims.ExpiresAt
	m.state = StateReady
	m.errMsg = ""
	m.mu.Unlock()
	m.logger.Infof("Session %s: adopted held token for session %s", m.cfg.TableID, ds.SessionID)
	return nil
}

// createOrJoin issues the QR join/create call at most once across
// concurrent invocations and folds the result in.
func (m *Manager) createOrJoin(ctx context.Context) error {
	m.setState(StateCreating, "")

	if !m.cfg.Coordinator.StartSessionCreation(ctx, m.cfg.TableID, m.cfg.RestaurantID) {
		// Lost the claim; either a session appeared or someone else owns
		// creation now.
		m.setState(StateAwaiting, "")
		if sessionID, ok := m.cfg.Coordinator.WaitForSessionCreation(ctx, m.cfg.TableID); ok {
			if err := m.restoreExisting(ctx, sessionID); err == nil {
				return nil
			}
		}
		return m.fail("session creation is owned elsewhere and did not complete")
	}

	guest, err := m.joinOnce(ctx)
	if err != nil {
		m.cfg.Coordinator.CancelSessionCreation(ctx, m.cfg.TableID)
		return m.fail(fmt.Sprintf("failed to join table: %v", err))
	}

	ds := &models.DiningSession{
		RestaurantID:   guest.RestaurantID,
		TableID:        guest.TableID,
		SessionID:      guest.SessionID,
		TableSessionID: guest.TableSessionID,
		RestaurantName: guest.RestaurantName,
		CreatedAt:      time.Now(),
	}
	if err := m.persist(ctx, ds, guest.Token); err != nil {
		m.cfg.Coordinator.CancelSessionCreation(ctx, m.cfg.TableID)
		return m.fail(fmt.Sprintf("failed to persist session: %v", err))
	}
	m.cfg.Coordinator.CompleteSessionCreation(ctx, m.cfg.TableID, guest.SessionID)

	m.mu.Lock()
	m.dining = ds
	m.isHost = guest.IsHost
	m.tokenExpiry = guest.ExpiresAt
	m.state = StateReady
	m.errMsg = ""
	m.mu.Unlock()
	m.logger.Infof("Session %s: created/joined session %s (host=%v)", m.cfg.TableID, guest.SessionID, guest.IsHost)
	return nil
}

// joinOnce funnels concurrent callers for one table through a single
// network call via the package-level promise map.
func (m *Manager) joinOnce(ctx context.Context) (*models.GuestSession, error) {
	joinPromisesMu.Lock()
	if p, ok := joinPromises[m.cfg.TableID]; ok {
		joinPromisesMu.Unlock()
		select {
		case <-p.done:
			return p.res.guest, p.res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &joinPromise{done: make(chan struct{})}
	joinPromises[m.cfg.TableID] = p
	joinPromisesMu.Unlock()

	guest, err := m.cfg.API.CreateGuestSession(ctx, api.JoinTableRequest{
		RestaurantID: m.cfg.RestaurantID,
		TableID:      m.cfg.TableID,
		QRCode:       m.cfg.QRCode,
		UserName:     m.cfg.UserName,
	})

	p.res = joinResult{guest: guest, err: err}
	close(p.done)

	joinPromisesMu.Lock()
	delete(joinPromises, m.cfg.TableID)
	joinPromisesMu.Unlock()

	return guest, err
}

// persist writes identifiers under the primary and table-scoped legacy
// keys plus the dining-session record.
func (m *Manager) persist(ctx context.Context, ds *models.DiningSession, token string) error {
	if err := m.cfg.Store.Set(ctx, storage.GuestSessionKey, token); err != nil {
		return err
	}
	if err := m.cfg.Store.Set(ctx, storage.TableGuestSessionKey(ds.TableID), token); err != nil {
		return err
	}
	if ds.TableSessionID != "" {
		if err := m.cfg.Store.Set(ctx, storage.TableSessionIDKey, ds.TableSessionID); err != nil {
			return err
		}
	}
	data, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("marshal dining session: %w", err)
	}
	return m.cfg.Store.Set(ctx, storage.DiningSessionKey, string(data))
}

func (m *Manager) setState(s State, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.errMsg = errMsg
}

func (m *Manager) fail(msg string) error {
	m.setState(StateError, msg)
	m.logger.Warnf("Session %s: %s", m.cfg.TableID, msg)
	return errors.New(msg)
}

func (m *Manager) toast(msg string) {
	if m.cfg.OnToast != nil {
		m.cfg.OnToast(msg)
	}
}
