// Package redis implements the per-request try-lock with redsync so several
// coordinator processes can share one store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"

	"certchain/pkg/domain"
)

// Compile-time contract assertion ensuring Locker satisfies the domain port.
var _ domain.Locker = (*Locker)(nil)

const defaultExpiry = 5 * time.Minute

// ErrLockLost is returned by a release whose lock had already expired or
// been taken over.
var ErrLockLost = errors.New("redis lock was not held or already expired")

// Options tunes the lock. Expiry must cover the longest ledger confirmation.
type Options struct {
	Expiry      time.Duration
	DriftFactor float64
}

// Locker is a distributed domain.Locker backed by redis.
type Locker struct {
	rs   *redsync.Redsync
	opts Options
}

// New builds a locker over client.
func New(client goredislib.UniversalClient, opts Options) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis lock: nil client")
	}
	if opts.Expiry <= 0 {
		opts.Expiry = defaultExpiry
	}
	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		return nil, fmt.Errorf("redis lock: drift factor %v outside [0, 1)", opts.DriftFactor)
	}
	if opts.DriftFactor == 0 {
		opts.DriftFactor = 0.01
	}
	return &Locker{rs: redsync.New(goredis.NewPool(client)), opts: opts}, nil
}

// Dial connects to addr, verifies it answers PING, and builds a locker. The
// returned close function releases the client.
func Dial(ctx context.Context, addr, password string, db int, opts Options) (*Locker, func() error, error) {
	client := goredislib.NewClient(&goredislib.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis lock: ping %s: %w", addr, err)
	}
	l, err := New(client, opts)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return l, client.Close, nil
}

// TryAcquire makes a single attempt. A lock held elsewhere yields
// domain.ErrLockHeld.
func (l *Locker) TryAcquire(ctx context.Context, key string) (domain.Release, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("redis lock: empty key")
	}
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(1),
		redsync.WithDriftFactor(l.opts.DriftFactor),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, domain.ErrLockHeld
		}
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			// Another holder owns the key, or it expired: this token no longer holds it.
			if isContention(err) {
				return ErrLockLost
			}
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		if !ok {
			return ErrLockLost
		}
		return nil
	}, nil
}

func isContention(err error) bool {
	var takenPtr *redsync.ErrTaken
	var taken redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &takenPtr) || errors.As(err, &taken) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
