package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a card lock could not be acquired in time.
// It is transient: callers should retry with backoff.
var ErrLockTimeout = errors.New("card lock acquisition timed out")

// Locker serializes work per card UID. Work on different cards never waits
// on each other.
type Locker interface {
	WithCardLock(ctx context.Context, uid string, fn func(ctx context.Context) error) error
}

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker holding one mutex per key. Entries are
// reference counted and removed once nobody holds or waits for them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	// waitObserver receives the time spent waiting for each acquisition.
	waitObserver func(time.Duration)
}

// Option customises a KeyedMutex.
type Option func(*KeyedMutex)

// WithWaitObserver registers a callback receiving lock wait durations.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(k *KeyedMutex) { k.waitObserver = fn }
}

// NewKeyedMutex builds a KeyedMutex. A zero timeout waits until ctx is done.
func NewKeyedMutex(timeout time.Duration, opts ...Option) *KeyedMutex {
	k := &KeyedMutex{entries: make(map[string]*entry), timeout: timeout}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// WithCardLock runs fn while holding the lock for uid.
func (k *KeyedMutex) WithCardLock(ctx context.Context, uid string, fn func(ctx context.Context) error) error {
	e := k.ref(uid)

	start := time.Now()
	var timeoutCh <-chan time.Time
	if k.timeout > 0 {
		timer := time.NewTimer(k.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(uid, e)
		return ctx.Err()
	case <-timeoutCh:
		k.unref(uid, e)
		return ErrLockTimeout
	}
	if k.waitObserver != nil {
		k.waitObserver(time.Since(start))
	}

	defer func() {
		<-e.ch
		k.unref(uid, e)
	}()
	return fn(ctx)
}

// Len returns the number of keys currently tracked. Used in tests.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *KeyedMutex) ref(uid string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[uid]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.entries[uid] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) unref(uid string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, uid)
	}
}
