// Package keylock serializes work per key in arrival order while letting
// unrelated keys proceed in parallel.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	// waiters holds one channel per queued caller; the head is the holder.
	waiters []chan struct{}
}

type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Acquire blocks until every earlier caller for key has released, or ctx is
// done. The returned release func must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	ready := make(chan struct{})

	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.waiters = append(e.waiters, ready)
	if len(e.waiters) == 1 {
		close(ready)
	}
	l.mu.Unlock()

	select {
	case <-ready:
		return l.releaser(key, ready), nil
	case <-ctx.Done():
		l.abandon(key, ready)
		return nil, ctx.Err()
	}
}

func (l *Locker) releaser(key string, self chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.abandon(key, self) })
	}
}

// abandon removes self from the queue and hands the lock to the next waiter
// when self was the holder.
func (l *Locker) abandon(key string, self chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok {
		return
	}
	for i, w := range e.waiters {
		if w != self {
			continue
		}
		wasHead := i == 0
		e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
		if len(e.waiters) == 0 {
			delete(l.locks, key)
			return
		}
		if wasHead {
			close(e.waiters[0])
		}
		return
	}
}

// Pending reports how many callers hold or wait for key.
func (l *Locker) Pending(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[key]; ok {
		return len(e.waiters)
	}
	return 0
}
