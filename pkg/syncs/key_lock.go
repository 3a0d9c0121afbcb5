package syncs

import (
	"context"
	"sync"
)

// KeyLocker provides per-key mutual exclusion.
// See [KeyLock] for an implementation.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyLock is a per-key mutex that allows independent keys to be locked
// concurrently while serializing access to the same key. Waiting for a key
// can be abandoned by canceling the context. The zero value is ready to use.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	sem  chan struct{}
	refs int
}

// NewKeyLock creates a new [KeyLock].
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyEntry)}
}

// Lock blocks until key is free or ctx is done. The returned function
// releases the key and may be called more than once.
func (kl *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	e := kl.acquire(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		kl.release(key)

		return nil, ctx.Err()
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			<-e.sem
			kl.release(key)
		})
	}, nil
}

// Held reports the number of keys currently locked or waited on.
func (kl *KeyLock) Held() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	return len(kl.locks)
}

func (kl *KeyLock) acquire(key string) *keyEntry {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	if kl.locks == nil {
		kl.locks = make(map[string]*keyEntry)
	}

	e, ok := kl.locks[key]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		kl.locks[key] = e
	}
	e.refs++

	return e
}

func (kl *KeyLock) release(key string) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	e := kl.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(kl.locks, key)
	}
}
