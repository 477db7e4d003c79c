package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

// DispatchLock makes remediation of a service exclusive across instances.
type DispatchLock struct {
	c      *Client
	rs     *redsync.Redsync
	expiry time.Duration
}

// NewDispatchLock creates a lock whose holds expire after expiry, which
// should exceed the longest remediation.
func NewDispatchLock(c *Client, expiry time.Duration) *DispatchLock {
	if expiry <= 0 {
		expiry = 2 * time.Minute
	}
	return &DispatchLock{
		c:      c,
		rs:     redsync.New(goredis.NewPool(c.rdb)),
		expiry: expiry,
	}
}

// Acquire tries once to take the lock for service. Contention is reported
// as ok=false, not as an error.
func (l *DispatchLock) Acquire(ctx context.Context, service string) (func(), bool, error) {
	mutex := l.rs.NewMutex(
		l.c.lockKey(service),
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) ||
			strings.Contains(err.Error(), "lock already taken") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to acquire remediation lock for %s: %w", service, err)
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = mutex.UnlockContext(ctx)
	}
	return release, true, nil
}
