package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:refresh:"

// releaseLockScript deletes the lock only if the caller still owns it,
// so a lease that expired and was re-acquired by another instance is
// never released by the old holder.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker hands out short distributed leases. Acquisition never waits:
// either the caller gets the lease immediately or it does not.
type Locker struct {
	client *Client
}

// Lease is a held lock. Release it when done; an expired lease releases
// itself.
type Lease struct {
	locker *Locker
	key    string
	owner  string
}

// NewLocker creates a new locker.
func NewLocker(client *Client) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Locker{client: client}, nil
}

// TryAcquire attempts to take the lock for the given lease duration.
// Returns (nil, false, nil) when another holder has it.
func (l *Locker) TryAcquire(ctx context.Context, name string, lease time.Duration) (*Lease, bool, error) {
	if name == "" {
		return nil, false, errors.New("lock name is required")
	}
	if lease <= 0 {
		return nil, false, errors.New("lease must be positive")
	}

	owner := uuid.NewString()
	key := lockPrefix + name

	done := Timed("lock_acquire")
	ok, err := l.client.client.SetNX(ctx, key, owner, lease).Result()
	done(err)
	if err != nil {
		return nil, false, fmt.Errorf("lock acquire: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	return &Lease{locker: l, key: key, owner: owner}, true, nil
}

// Release gives the lock back. Releasing a lease that already expired is
// a no-op.
func (s *Lease) Release(ctx context.Context) error {
	done := Timed("lock_release")
	err := releaseLockScript.Run(ctx, s.locker.client.client, []string{s.key}, s.owner).Err()
	done(err)
	if err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}
