// internal/storage/redis.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the Store interface with Redis. It exists for
// deployments where several client processes front the same table (e.g. a
// kiosk gateway): the creation lock and persisted identifiers become
// visible across processes instead of per-process only.
type RedisStore struct {
	rdb *redis.Client
}

// ConnectRedisStore initializes a RedisStore from environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
func ConnectRedisStore() (*RedisStore, error) {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStore wraps an existing client, e.g. one shared with the host
// application.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

// AcquireLease atomically claims the per-table creation lock via SET NX
// with a server-side TTL. This is the lease upgrade for the coordinator's
// pluggable lock: unlike the timestamp heuristic, two processes can never
// both win within the window.
func (r *RedisStore) AcquireLease(ctx context.Context, tableID, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, CreationLockKey(tableID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx lock for table %s: %w", tableID, err)
	}
	return ok, nil
}

// releaseScript deletes the lock key only while it still holds the
// caller's owner id, so an expired-and-reacquired lock is never deleted
// out from under its new owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ReleaseLease drops the per-table creation lock if owner still holds it.
func (r *RedisStore) ReleaseLease(ctx context.Context, tableID, owner string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{CreationLockKey(tableID)}, owner).Err(); err != nil {
		return fmt.Errorf("redis release lock for table %s: %w", tableID, err)
	}
	return nil
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
