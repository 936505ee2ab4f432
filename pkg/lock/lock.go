// Package lock provides the lease that keeps two sweeps from running at the
// same time, either inside one process or across processes sharing Redis.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned by TryAcquire when someone else holds the lease.
var ErrHeld = errors.New("lock held")

// Locker hands out named leases.
type Locker interface {
	// TryAcquire takes the lease for ttl without waiting. The returned release
	// function gives it back; it is safe to call more than once.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Local is an in-process Locker.
type Local struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewLocal() *Local {
	return &Local{leases: make(map[string]time.Time), now: time.Now}
}

func (l *Local) TryAcquire(_ context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.leases[name]; ok && now.Before(until) {
		return nil, ErrHeld
	}
	until := now.Add(ttl)
	l.leases[name] = until

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// an expired lease may have been taken over
			if l.leases[name].Equal(until) {
				delete(l.leases, name)
			}
		})
		return nil
	}, nil
}
