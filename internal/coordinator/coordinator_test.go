// internal/coordinator/coordinator_test.go
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabsyteam/tabsy-table-session/internal/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return New(NewStoreLock(store), nil), store
}

// TestSingleWinner checks that concurrent creation claims for one table
// produce exactly one owner, and that every waiter resolves to the
// winner's session id.
func TestSingleWinner(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	results := make([]string, 0, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.StartSessionCreation(ctx, "t1", "r1") {
				mu.Lock()
				winners++
				mu.Unlock()
				// Simulate the network call before completing.
				time.Sleep(10 * time.Millisecond)
				c.CompleteSessionCreation(ctx, "t1", "session-abc")
				mu.Lock()
				results = append(results, "session-abc")
				mu.Unlock()
				return
			}
			id, ok := c.WaitForSessionCreation(ctx, "t1")
			require.True(t, ok)
			mu.Lock()
			results = append(results, id)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one caller should own creation")
	require.Len(t, results, callers)
	for _, id := range results {
		assert.Equal(t, "session-abc", id)
	}
	assert.True(t, c.HasSession("t1"))
}

// TestWinnerFailureReleasesOwnership checks that a cancelled creation
// clears the lock and lets a later attempt proceed, while waiters get
// ok=false.
func TestWinnerFailureReleasesOwnership(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, c.StartSessionCreation(ctx, "t1", "r1"))

	waitDone := make(chan bool, 1)
	go func() {
		_, ok := c.WaitForSessionCreation(ctx, "t1")
		waitDone <- ok
	}()

	// Let the waiter attach before cancelling.
	require.Eventually(t, func() bool { return c.IsCreationInProgress("t1") }, time.Second, 5*time.Millisecond)
	c.CancelSessionCreation(ctx, "t1")

	select {
	case ok := <-waitDone:
		assert.False(t, ok, "waiters of a failed creation get ok=false")
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	assert.False(t, c.IsCreationInProgress("t1"))
	assert.True(t, c.StartSessionCreation(ctx, "t1", "r1"), "retry after failure should win the lock again")
}

// TestStaleLockExpires checks that a persisted lock older than the window
// does not block a fresh attempt.
func TestStaleLockExpires(t *testing.T) {
	store := storage.NewMemoryStore()
	lock := NewStoreLock(store)
	ctx := context.Background()

	stale := lockRecord{Owner: "crashed-tab", CreatedAt: time.Now().Add(-LockWindow - time.Second).UnixMilli()}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, storage.CreationLockKey("t1"), string(data)))

	acquired, err := lock.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, acquired, "stale lock must not block a fresh attempt")
}

// TestHeldLockBlocks checks that a fresh foreign lock denies acquisition.
func TestHeldLockBlocks(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	first := NewStoreLock(store)
	acquired, err := first.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	require.True(t, acquired)

	second := NewStoreLock(store)
	acquired, err = second.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, acquired, "a fresh lock held by another owner must block")

	require.NoError(t, first.Release(ctx, "t1"))
	acquired, err = second.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, acquired, "released lock should be acquirable")
}

// TestReacquireOwnLock checks that an owner's leftover lock does not block
// itself after a crash-and-restart within the window.
func TestReacquireOwnLock(t *testing.T) {
	store := storage.NewMemoryStore()
	lock := NewStoreLock(store)
	ctx := context.Background()

	acquired, err := lock.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = lock.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, acquired, "an owner may refresh its own lock")
}

// TestReleaseIsOwnerChecked checks that releasing a lock this instance
// does not own leaves the holder's lock in place.
func TestReleaseIsOwnerChecked(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	holder := NewStoreLock(store)
	acquired, err := holder.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	require.True(t, acquired)

	other := NewStoreLock(store)
	require.NoError(t, other.Release(ctx, "t1"))

	third := NewStoreLock(store)
	acquired, err = third.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, acquired, "a foreign release must not delete the holder's live lock")

	require.NoError(t, holder.Release(ctx, "t1"))
	acquired, err = third.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, acquired, "the owner's release frees the lock")
}

// TestAdoptedSessionKeepsForeignLock checks that completing a creation
// never won (the token-adoption path) does not release a lock held by a
// creation in flight elsewhere.
func TestAdoptedSessionKeepsForeignLock(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	// Another process is mid-creation for this table.
	winner := NewStoreLock(store)
	acquired, err := winner.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	require.True(t, acquired)

	// This process resolves the table from a stored token instead.
	adopter := New(NewStoreLock(store), nil)
	adopter.CompleteSessionCreation(ctx, "t1", "session-adopted")
	require.True(t, adopter.HasSession("t1"))

	// The in-flight creation's lock must still hold off newcomers.
	late := NewStoreLock(store)
	acquired, err = late.TryAcquire(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, acquired, "adoption must not void the live creation lock")
}

// TestClearSession forgets a completed session so a table can be
// re-acquired after replacement.
func TestClearSession(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, c.StartSessionCreation(ctx, "t1", "r1"))
	c.CompleteSessionCreation(ctx, "t1", "session-abc")
	require.True(t, c.HasSession("t1"))
	assert.False(t, c.StartSessionCreation(ctx, "t1", "r1"), "existing session blocks a new creation")

	c.ClearSession("t1")
	assert.False(t, c.HasSession("t1"))
	assert.True(t, c.StartSessionCreation(ctx, "t1", "r1"))
}
