package redisq

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// releaseScript deletes the lock only when the caller still holds it, so an
// expired-and-reacquired lock is never released by the previous holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Lock is a single-holder TTL lock on Redis (SET NX PX).
type Lock struct {
	rdb     *redis.Client
	release *redis.Script

	mu     sync.Mutex
	tokens map[string]string
}

// NewLock constructs a Lock manager on the given client.
func NewLock(rdb *redis.Client) *Lock {
	return &Lock{
		rdb:     rdb,
		release: redis.NewScript(releaseScript),
		tokens:  map[string]string{},
	}
}

// TryAcquire attempts to take the named lock for ttl. Returns false without
// error when another holder owns it.
func (l *Lock) TryAcquire(ctx domain.Context, name string, ttl time.Duration) (bool, error) {
	token := newToken()
	ok, err := l.rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=lock.acquire: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.tokens[name] = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Release frees the named lock if this manager still holds it.
func (l *Lock) Release(ctx domain.Context, name string) error {
	l.mu.Lock()
	token, ok := l.tokens[name]
	delete(l.tokens, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := l.release.Run(ctx, l.rdb, []string{name}, token).Err(); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}

// ForceRelease deletes the lock regardless of holder. The allocation task
// uses it to clear the arbiter's lock once the upstream call settles.
func (l *Lock) ForceRelease(ctx domain.Context, name string) error {
	l.mu.Lock()
	delete(l.tokens, name)
	l.mu.Unlock()
	if err := l.rdb.Del(ctx, name).Err(); err != nil {
		return fmt.Errorf("op=lock.force_release: %w", err)
	}
	return nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
