// Package dedup remembers recently processed identifiers for a bounded time.
//
// Entries live only in memory; a restart forgets them.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Key namespaces
const (
	deliveryPrefix = "delivery:"
	messagePrefix  = "message:"
)

// DeliveryKey returns the key for a transport delivery id
func DeliveryKey(deliveryID string) string {
	return deliveryPrefix + deliveryID
}

// MessageKey returns the key for a provider message id within a mailbox
func MessageKey(mailbox, messageID string) string {
	return messagePrefix + mailbox + "/" + messageID
}

// Option configures a Deduplicator
type Option func(*Deduplicator)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) {
		d.now = now
	}
}

// Deduplicator is a keyed cache with TTL eviction
type Deduplicator struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// New creates a deduplicator whose entries expire ttl after being marked
func New(ttl time.Duration, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsProcessed reports whether key was marked within the TTL.
// An expired entry is evicted.
func (d *Deduplicator) IsProcessed(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveLocked(key)
}

// MarkProcessed records key as processed now
func (d *Deduplicator) MarkProcessed(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = d.now()
}

// CheckAndMark marks key and reports whether it was already processed.
// The check and the mark happen atomically.
func (d *Deduplicator) CheckAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.liveLocked(key) {
		return true
	}
	d.entries[key] = d.now()
	return false
}

// Forget removes key so it can be processed again
func (d *Deduplicator) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
}

// Len returns the number of stored entries, expired or not
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Sweep evicts every expired entry and returns how many were removed
func (d *Deduplicator) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for key, markedAt := range d.entries {
		if now.Sub(markedAt) >= d.ttl {
			delete(d.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done
func (d *Deduplicator) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Sweep(); n > 0 {
				logger.Debug("swept dedup entries", "component", "dedup", "removed", n)
			}
		}
	}
}

func (d *Deduplicator) liveLocked(key string) bool {
	markedAt, ok := d.entries[key]
	if !ok {
		return false
	}
	if d.now().Sub(markedAt) >= d.ttl {
		delete(d.entries, key)
		return false
	}
	return true
}
