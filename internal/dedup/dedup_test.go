package dedup

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestExpiredEntriesAreAbsentWithoutSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := New(5*time.Minute, WithClock(clock.Now))

	d.MarkProcessed("k")
	clock.Advance(4*time.Minute + 59*time.Second)
	if !d.IsProcessed("k") {
		t.Fatalf("expected k to be processed inside the TTL")
	}

	clock.Advance(time.Second)
	if d.IsProcessed("k") {
		t.Fatalf("expected k to be absent at the TTL")
	}
	if d.Len() != 0 {
		t.Fatalf("expected lazy eviction, len = %d", d.Len())
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := New(time.Minute, WithClock(clock.Now))

	d.MarkProcessed("old")
	clock.Advance(30 * time.Second)
	d.MarkProcessed("new")
	clock.Advance(31 * time.Second)

	if n := d.Sweep(); n != 1 {
		t.Fatalf("sweep removed %d, want 1", n)
	}
	if !d.IsProcessed("new") {
		t.Fatalf("expected new to survive the sweep")
	}
}

func TestNamespacesDoNotCollide(t *testing.T) {
	d := New(time.Minute)

	d.MarkProcessed(DeliveryKey("123"))
	if d.IsProcessed(MessageKey("a@x.com", "123")) {
		t.Fatalf("delivery id leaked into message namespace")
	}
	if MessageKey("a@x.com", "1") == MessageKey("b@x.com", "1") {
		t.Fatalf("message keys must be scoped per mailbox")
	}
}

func TestCheckAndMarkIsAtomic(t *testing.T) {
	d := New(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.CheckAndMark("same") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Fatalf("expected exactly one first sighting, got %d", fresh)
	}

	d.Forget("same")
	if d.CheckAndMark("same") {
		t.Fatalf("expected forgotten key to be fresh")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	d := New(time.Millisecond)
	d.MarkProcessed("k")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for d.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("sweeper never evicted the entry")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
