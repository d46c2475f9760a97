// Package turnlock guards a conversation against overlapping chat turns.
package turnlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"farmsmart/internal/util"
)

// ErrBusy reports that another turn holds the guard.
var ErrBusy = errors.New("turn already in flight")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out per-key leases stored in Redis.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New creates a Locker. ttl bounds how long a crashed holder blocks the key.
func New(client redis.UniversalClient, prefix string, ttl time.Duration) *Locker {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "farmsmart:turn"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// Lease is a held guard. Release is idempotent.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the guard for key or returns ErrBusy.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	key = fmt.Sprintf("%s:%s", l.prefix, strings.TrimSpace(key))
	token := util.NewID()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire turn lock: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release frees the guard if this lease still owns it.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil {
		return nil
	}
	_, err := releaseScript.Run(ctx, le.locker.client, []string{le.key}, le.token).Result()
	le.locker = nil
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release turn lock: %w", err)
	}
	return nil
}
