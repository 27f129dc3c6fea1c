// internal/coordinator/coordinator.go

// Package coordinator serializes session creation for a table across
// everything running in this process. Multiple bootstrap attempts for the
// same table (duplicated effect mounts, parallel tabs sharing a store)
// converge on exactly one outbound creation call: the winner owns the
// network request, losers wait on its result.
package coordinator

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type creation struct {
	restaurantID string
	done         chan struct{}
	sessionID    string
	ok           bool
}

// Coordinator is the process-wide session-creation registry. One instance
// is shared by every session manager in the process.
type Coordinator struct {
	mu       sync.Mutex
	inflight map[string]*creation
	sessions map[string]string // tableID -> sessionID

	lock   TableLock
	logger *logrus.Logger
}

// New returns a Coordinator guarding creation with the given lock.
func New(lock TableLock, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		inflight: make(map[string]*creation),
		sessions: make(map[string]string),
		lock:     lock,
		logger:   logger,
	}
}

// HasSession reports whether a completed session is already known for the
// table.
func (c *Coordinator) HasSession(tableID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[tableID]
	return ok
}

// SessionID returns the known session id for the table, if any.
func (c *Coordinator) SessionID(tableID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sessions[tableID]
	return id, ok
}

// IsCreationInProgress reports whether another caller currently owns
// creation for the table.
func (c *Coordinator) IsCreationInProgress(tableID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[tableID]
	return ok
}

// StartSessionCreation claims ownership of the creation call for a table.
// It returns true if the caller may proceed with the network request, and
// false if a session already exists, another caller owns creation, or the
// storage lock is held by another process.
func (c *Coordinator) StartSessionCreation(ctx context.Context, tableID, restaurantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[tableID]; ok {
		return false
	}
	if _, ok := c.inflight[tableID]; ok {
		return false
	}

	acquired, err := c.lock.TryAcquire(ctx, tableID)
	if err != nil {
		c.logger.Warnf("Coordinator: lock acquire failed for table %s: %v", tableID, err)
		return false
	}
	if !acquired {
		c.logger.Infof("Coordinator: creation lock for table %s held elsewhere", tableID)
		return false
	}

	c.inflight[tableID] = &creation{
		restaurantID: restaurantID,
		done:         make(chan struct{}),
	}
	return true
}

// WaitForSessionCreation blocks until the in-flight creation for the
// table resolves, the context expires, or there is nothing to wait on.
// ok=false means the waiter must independently decide whether to retry
// from scratch.
func (c *Coordinator) WaitForSessionCreation(ctx context.Context, tableID string) (string, bool) {
	c.mu.Lock()
	cr, exists := c.inflight[tableID]
	if !exists {
		id, ok := c.sessions[tableID]
		c.mu.Unlock()
		return id, ok
	}
	c.mu.Unlock()

	select {
	case <-cr.done:
		return cr.sessionID, cr.ok
	case <-ctx.Done():
		return "", false
	}
}

// CompleteSessionCreation records the winner's result, releases the lock,
// and wakes every waiter with the same session id. Callers that resolved a
// session without winning StartSessionCreation (e.g. by adopting a stored
// token) hold no lock, so the release only happens when an inflight entry
// existed.
func (c *Coordinator) CompleteSessionCreation(ctx context.Context, tableID, sessionID string) {
	c.mu.Lock()
	cr, exists := c.inflight[tableID]
	if exists {
		cr.sessionID = sessionID
		cr.ok = true
		close(cr.done)
		delete(c.inflight, tableID)
	}
	c.sessions[tableID] = sessionID
	c.mu.Unlock()

	if !exists {
		return
	}
	if err := c.lock.Release(ctx, tableID); err != nil {
		c.logger.Warnf("Coordinator: lock release failed for table %s: %v", tableID, err)
	}
}

// CancelSessionCreation releases ownership after a failed creation call so
// a subsequent attempt can retry. Waiters receive ok=false.
func (c *Coordinator) CancelSessionCreation(ctx context.Context, tableID string) {
	c.mu.Lock()
	cr, exists := c.inflight[tableID]
	if exists {
		close(cr.done)
		delete(c.inflight, tableID)
	}
	c.mu.Unlock()

	if !exists {
		return
	}
	if err := c.lock.Release(ctx, tableID); err != nil {
		c.logger.Warnf("Coordinator: lock release failed for table %s: %v", tableID, err)
	}
}

// ClearSession forgets the completed session for a table, e.g. after a
// session replacement.
func (c *Coordinator) ClearSession(tableID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, tableID)
}
