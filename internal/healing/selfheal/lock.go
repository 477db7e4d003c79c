package selfheal

import (
	"context"
	"sync"
)

// DispatchLock serialises remediation of one service across instances.
// Acquire returns ok=false when another holder owns the lock.
type DispatchLock interface {
	Acquire(ctx context.Context, service string) (release func(), ok bool, err error)
}

// LocalLock is a process-local DispatchLock.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]struct{})}
}

func (l *LocalLock) Acquire(_ context.Context, service string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[service]; busy {
		return nil, false, nil
	}
	l.held[service] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, service)
		l.mu.Unlock()
	}, true, nil
}
