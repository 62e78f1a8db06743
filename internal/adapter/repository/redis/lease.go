package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only while this holder owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript pushes the expiry out only while this holder owns it.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// ErrLeaseNotHeld is returned by Extend when another holder owns the lease.
var ErrLeaseNotHeld = errors.New("lease not held")

// LeaseLocker grants exclusive, expiring leases so that only one of several
// redundant workers runs a job at a time.
type LeaseLocker struct {
	client redis.UniversalClient
	prefix string
	token  string
}

// NewLeaseLocker creates a locker with a unique holder token.
func NewLeaseLocker(client redis.UniversalClient) *LeaseLocker {
	return &LeaseLocker{
		client: client,
		prefix: "lease:",
		token:  uuid.NewString(),
	}
}

// Acquire takes the lease for ttl. It returns false when another holder has it.
func (l *LeaseLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+name, l.token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	// re-entrant for the current holder
	holder, err := l.client.Get(ctx, l.prefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder != l.token {
		return false, nil
	}
	return true, l.Extend(ctx, name, ttl)
}

// Extend refreshes a held lease.
func (l *LeaseLocker) Extend(ctx context.Context, name string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.prefix + name}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

// Release gives the lease up if held.
func (l *LeaseLocker) Release(ctx context.Context, name string) error {
	return releaseScript.Run(ctx, l.client, []string{l.prefix + name}, l.token).Err()
}
