// Package lock provides the exclusive per-key coordination point used to
// keep several processes from deriving the same resource at once.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Unlocker releases a held lock.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Locker acquires a lock without blocking. ok is false when another owner
// already holds the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (l Unlocker, ok bool, err error)
}

type RedisLock struct {
	client *redis.Client
	key    string
	token  string
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisLocker takes locks with SET NX and a random owner token.
type RedisLocker struct {
	Client *redis.Client
}

func (r RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlocker, bool, error) {
	l, ok, err := TryLock(ctx, r.Client, key, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	return l, true, nil
}

func TryLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*RedisLock, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &RedisLock{client: client, key: key, token: token}, true, nil
}

func (l *RedisLock) Unlock(ctx context.Context) error {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.token).Result()
	return err
}

// Local is an in-process Locker with the same TTL semantics as the Redis
// one, for several Resolvers sharing a store inside one process and for
// tests. A single Resolver needs no Locker at all.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

type localLock struct {
	parent *Local
	key    string
	token  string
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), clock: time.Now}
}

func (m *Local) TryLock(_ context.Context, key string, ttl time.Duration) (Unlocker, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	m.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLock{parent: m, key: key, token: token}, true, nil
}

func (l *localLock) Unlock(context.Context) error {
	l.parent.mu.Lock()
	defer l.parent.mu.Unlock()
	if e, ok := l.parent.held[l.key]; ok && e.token == l.token {
		delete(l.parent.held, l.key)
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	_, err := rand.Read(buf)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
