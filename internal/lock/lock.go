// Package lock is a redis lease that lets a single instance reconcile a tenant at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrHeld is returned by Lock while another instance holds the lease.
	ErrHeld = errors.New("lock: lease held by another instance")
	// ErrLost is returned when the lease expired or changed hands.
	ErrLost = errors.New("lock: lease lost")
)

// Both scripts act only while ARGV[1] still owns the key.
const (
	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	renewScript   = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

type Locker struct {
	client redis.UniversalClient
	key    string
	owner  string
}

// NewLocker returns a lease on key identified by owner, usually the instance id.
func NewLocker(client redis.UniversalClient, key, owner string) *Locker {
	return &Locker{client: client, key: key, owner: owner}
}

// ReconcileKey is the lease key of a tenant's reconciliation pass.
func ReconcileKey(tenant string) string {
	return "peertransit:reconcile:" + tenant
}

func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("lock: acquire %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrHeld, l.key)
	}
	return nil
}

// Extend pushes the expiry of a held lease to ttl from now.
func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	return l.eval(ctx, renewScript, l.owner, ttl.Milliseconds())
}

func (l *Locker) Unlock(ctx context.Context) error {
	return l.eval(ctx, releaseScript, l.owner)
}

func (l *Locker) eval(ctx context.Context, script string, args ...any) error {
	result, err := l.client.Eval(ctx, script, []string{l.key}, args...).Result()
	if err != nil {
		return fmt.Errorf("lock: %s: %w", l.key, err)
	}
	if result == int64(0) {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	return nil
}
