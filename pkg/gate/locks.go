package gate

import (
	"context"
	"sync"

	"github.com/octavolabs/octavo/pkg/fault"
)

// keyedLocks hands out one slot per key. Locks are reference counted so
// the map does not grow with every source ever seen.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	slot chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

// acquire claims the key's slot. With wait=false a held slot returns
// ErrAlreadyInProgress immediately; with wait=true the call blocks until
// the slot frees or ctx is done.
func (k *keyedLocks) acquire(ctx context.Context, key string, wait bool) (func(), error) {
	k.mu.Lock()
	kl, ok := k.locks[key]
	if !ok {
		kl = &keyLock{slot: make(chan struct{}, 1)}
		k.locks[key] = kl
	}
	kl.refs++
	k.mu.Unlock()

	drop := func() {
		k.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}

	release := func() {
		<-kl.slot
		drop()
	}

	if wait {
		select {
		case kl.slot <- struct{}{}:
			return release, nil
		case <-ctx.Done():
			drop()
			return nil, fault.Wrap(fault.Cancelled, "gate.acquire", ctx.Err())
		}
	}

	select {
	case kl.slot <- struct{}{}:
		return release, nil
	default:
		drop()
		return nil, ErrAlreadyInProgress
	}
}
