// Package mailboxlock serializes work per mailbox address within one process.
//
// Waiters are not queued: when a holder releases, every waiter wakes and
// races to take the marker again, so there is no FIFO ordering. The lock
// does not coordinate separate processes.
package mailboxlock

import (
	"context"
	"strings"
	"sync"
)

// Locker holds one "in use" marker per address
type Locker struct {
	mu      sync.Mutex
	holders map[string]chan struct{}
}

// New creates a Locker
func New() *Locker {
	return &Locker{holders: make(map[string]chan struct{})}
}

// Acquire blocks until the caller owns address or ctx is done. The returned
// release function must be called exactly once; later calls are no-ops.
func (l *Locker) Acquire(ctx context.Context, address string) (func(), error) {
	key := normalize(address)

	for {
		l.mu.Lock()
		held, busy := l.holders[key]
		if !busy {
			marker := make(chan struct{})
			l.holders[key] = marker
			l.mu.Unlock()
			return l.releaser(key, marker), nil
		}
		l.mu.Unlock()

		// Another waiter may win the marker after held closes, so loop and re-check.
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Held reports whether address is currently locked
func (l *Locker) Held(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.holders[normalize(address)]
	return ok
}

func (l *Locker) releaser(key string, marker chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// Remove the marker before waking waiters so none observes it still held.
			l.mu.Lock()
			if l.holders[key] == marker {
				delete(l.holders, key)
			}
			l.mu.Unlock()
			close(marker)
		})
	}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
