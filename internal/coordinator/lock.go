// internal/coordinator/lock.go
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tabsyteam/tabsy-table-session/internal/storage"
)

// LockWindow is how long a creation lock is honored before it is treated
// as abandoned by a crashed process. Mirrors the 15 second window the
// original clients used.
const LockWindow = 15 * time.Second

// TableLock guards session creation for one table. The default is a
// storage-backed timestamp heuristic; deployments with Redis can swap in
// the lease variant without touching call sites.
type TableLock interface {
	TryAcquire(ctx context.Context, tableID string) (bool, error)
	Release(ctx context.Context, tableID string) error
}

type lockRecord struct {
	Owner     string `json:"owner"`
	CreatedAt int64  `json:"createdAt"` // unix millis
}

// StoreLock implements TableLock on top of a storage.Store. A held lock
// older than the window does not block a fresh acquire: this is a
// best-effort dedup of local creation calls, not a distributed lock. The
// backend remains the real idempotency point.
type StoreLock struct {
	store  storage.Store
	owner  string
	window time.Duration
	now    func() time.Time
}

// NewStoreLock returns a StoreLock with a random owner id and the default
// expiry window.
func NewStoreLock(store storage.Store) *StoreLock {
	return &StoreLock{
		store:  store,
		owner:  uuid.NewString(),
		window: LockWindow,
		now:    time.Now,
	}
}

func (l *StoreLock) TryAcquire(ctx context.Context, tableID string) (bool, error) {
	key := storage.CreationLockKey(tableID)
	raw, err := l.store.Get(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// free
	case err != nil:
		return false, fmt.Errorf("read creation lock for table %s: %w", tableID, err)
	default:
		var rec lockRecord
		if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr == nil {
			age := l.now().Sub(time.UnixMilli(rec.CreatedAt))
			if age < l.window && rec.Owner != l.owner {
				return false, nil
			}
			// Stale or our own leftover: fall through and overwrite.
		}
	}

	rec := lockRecord{Owner: l.owner, CreatedAt: l.now().UnixMilli()}
	data, _ := json.Marshal(rec)
	if err := l.store.Set(ctx, key, string(data)); err != nil {
		return false, fmt.Errorf("write creation lock for table %s: %w", tableID, err)
	}
	return true, nil
}

// Release deletes the lock only if this instance still owns it; another
// process's live lock is left untouched.
func (l *StoreLock) Release(ctx context.Context, tableID string) error {
	key := storage.CreationLockKey(tableID)
	raw, err := l.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read creation lock for table %s: %w", tableID, err)
	}
	var rec lockRecord
	if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr == nil && rec.Owner != l.owner {
		return nil
	}
	return l.store.Delete(ctx, key)
}

// SetClock overrides the lock's time source. Test hook for expiry paths.
func (l *StoreLock) SetClock(now func() time.Time) { l.now = now }

// RedisLease implements TableLock as a true server-granted lease via
// SET NX with a TTL, for multi-process deployments.
type RedisLease struct {
	store *storage.RedisStore
	owner string
	ttl   time.Duration
}

// NewRedisLease returns a lease-based lock over the given Redis store.
func NewRedisLease(store *storage.RedisStore) *RedisLease {
	return &RedisLease{
		store: store,
		owner: uuid.NewString(),
		ttl:   LockWindow,
	}
}

func (l *RedisLease) TryAcquire(ctx context.Context, tableID string) (bool, error) {
	return l.store.AcquireLease(ctx, tableID, l.owner, l.ttl)
}

func (l *RedisLease) Release(ctx context.Context, tableID string) error {
	return l.store.ReleaseLease(ctx, tableID, l.owner)
}
