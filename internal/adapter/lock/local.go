package lock

import (
	"context"
	"sync"
)

// LocalLocker serializes access to accounts within one process.
// Each address gets a one-slot channel; holding the slot is holding the lock.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker creates a new LocalLocker instance
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

// Lock implements domain.AccountLocker. It blocks until the address is free
// or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, address string) (func(), error) {
	slot := l.slot(address)

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-slot })
	}, nil
}

func (l *LocalLocker) slot(address string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[address]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[address] = slot
	}
	return slot
}
