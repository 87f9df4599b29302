// Package locks provides a named distributed mutex with wait/lease
// semantics. Two call sites exist: the per-ride dispatch lock, which
// serializes concurrent offer attempts, and the offer TTL sentinel, which is
// acquired for exactly the offer TTL and never released; its existence
// signals that the offer is still open.
package locks

import (
	"context"
	"sync"
	"time"
)

// Locker is the named-mutex contract. The lease auto-releases on holder
// crash; there is no watchdog renewal, so a crashed holder frees the lock
// after at most one lease.
type Locker interface {
	// TryAcquire waits up to wait for the lock and holds it for lease.
	// acquired=false (with nil error) means another holder owns it and the
	// caller should skip its attempt.
	TryAcquire(ctx context.Context, name string, wait, lease time.Duration) (release func(), acquired bool, err error)
	// AcquireSentinel sets the named key for exactly ttl, never released.
	AcquireSentinel(ctx context.Context, name string, ttl time.Duration) error
	// Held reports whether the named lock or sentinel currently exists.
	Held(ctx context.Context, name string) (bool, error)
}

func RideLockName(rideID string) string { return "lock:ride:" + rideID }

func OfferSentinelName(rideID, driverID string) string {
	return "offer:ttl:" + rideID + ":" + driverID
}

var _ Locker = (*MemoryLocker)(nil)

// MemoryLocker is the in-process implementation for tests and local runs.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time // name → lease expiry
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryLocker) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryLocker) TryAcquire(ctx context.Context, name string, wait, lease time.Duration) (func(), bool, error) {
	deadline := m.now().Add(wait)
	for {
		if m.tryOnce(name, lease) {
			return func() { m.release(name) }, true, nil
		}
		if !m.now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *MemoryLocker) tryOnce(name string, lease time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.locks[name]; ok && m.now().Before(exp) {
		return false
	}
	m.locks[name] = m.now().Add(lease)
	return true
}

func (m *MemoryLocker) release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, name)
}

func (m *MemoryLocker) AcquireSentinel(_ context.Context, name string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[name] = m.now().Add(ttl)
	return nil
}

func (m *MemoryLocker) Held(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.locks[name]
	return ok && m.now().Before(exp), nil
}
