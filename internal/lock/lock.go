package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Manager hands out short-lived exclusive leases keyed by job ID. Acquire is
// non-blocking: contention means the caller drops its event rather than
// waiting, which bounds latency when a job is hot. The TTL is the sole
// crash-recovery mechanism; a holder that dies simply lets the lease lapse.
type Manager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewManager builds a lock manager with the given lease TTL.
func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Manager{client: client, prefix: "lock:job:", ttl: ttl}
}

// Acquire attempts to take the lease for key. It returns the owner token to
// pass to Release and a flag reporting whether the lease was obtained.
func (m *Manager) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.prefix+key, token, m.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lease if it is still owned by token. Safe to call after
// the lease expired or was reclaimed by another holder; those cases are
// no-ops.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, m.client, []string{m.prefix + key}, token).Err()
}

// Compare-and-delete: never remove a lease we no longer own.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
