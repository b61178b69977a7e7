package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryDedup_CheckAndInsert_WithinWindow(t *testing.T) {
	clk := newFakeClock()
	d := NewMemoryDedup(10*time.Second, WithDedupClock(clk.Now))
	ctx := context.Background()

	if _, found, _ := d.CheckAndInsert(ctx, "k", 100); found {
		t.Fatalf("first insert must not find an entry")
	}

	clk.Advance(2 * time.Second)
	existing, found, _ := d.CheckAndInsert(ctx, "k", 101)
	if !found || existing != 100 {
		t.Fatalf("expected existing=100 found=true, got %d %v", existing, found)
	}

	id, found, _ := d.Lookup(ctx, "k")
	if !found || id != 100 {
		t.Fatalf("lookup: expected 100, got %d %v", id, found)
	}
}

func TestMemoryDedup_ExpiresAfterWindow(t *testing.T) {
	clk := newFakeClock()
	d := NewMemoryDedup(10*time.Second, WithDedupClock(clk.Now))
	ctx := context.Background()

	_, _, _ = d.CheckAndInsert(ctx, "k", 1)

	clk.Advance(10 * time.Second)

	// Expired entries are invisible before any sweep.
	if _, found, _ := d.Lookup(ctx, "k"); found {
		t.Fatalf("entry must not be observable at the window boundary")
	}
	if _, found, _ := d.CheckAndInsert(ctx, "k", 2); found {
		t.Fatalf("re-insert after window must succeed")
	}
	id, found, _ := d.Lookup(ctx, "k")
	if !found || id != 2 {
		t.Fatalf("expected the new entry, got %d %v", id, found)
	}
}

func TestMemoryDedup_SweepEvictsOnlyExpired(t *testing.T) {
	clk := newFakeClock()
	d := NewMemoryDedup(10*time.Second, WithDedupClock(clk.Now))
	ctx := context.Background()

	_, _, _ = d.CheckAndInsert(ctx, "a", 1)
	clk.Advance(5 * time.Second)
	_, _, _ = d.CheckAndInsert(ctx, "b", 2)
	clk.Advance(6 * time.Second)

	d.Sweep()
	if n := d.Len(); n != 1 {
		t.Fatalf("expected 1 entry after sweep, got %d", n)
	}
	if _, found, _ := d.Lookup(ctx, "b"); !found {
		t.Fatalf("b must survive the sweep")
	}

	clk.Advance(5 * time.Second)
	d.Sweep()
	if n := d.Len(); n != 0 {
		t.Fatalf("expected empty cache, got %d", n)
	}
}

func TestMemoryDedup_ReinsertAfterExpiryNotDroppedByOldQueueItem(t *testing.T) {
	clk := newFakeClock()
	d := NewMemoryDedup(10*time.Second, WithDedupClock(clk.Now))
	ctx := context.Background()

	_, _, _ = d.CheckAndInsert(ctx, "k", 1)
	clk.Advance(10 * time.Second)
	_, _, _ = d.CheckAndInsert(ctx, "k", 2) // sweeps the old item, then re-inserts

	clk.Advance(9 * time.Second)
	d.Sweep()
	if id, found, _ := d.Lookup(ctx, "k"); !found || id != 2 {
		t.Fatalf("re-inserted entry must live a full window, got %d %v", id, found)
	}
}

func TestMemoryDedup_ConcurrentCheckAndInsert_OneWinner(t *testing.T) {
	d := NewMemoryDedup(time.Minute)
	ctx := context.Background()

	const n = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, found, _ := d.CheckAndInsert(ctx, "same", id); !found {
				wins.Add(1)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestMemoryDedup_RunStopsOnCancel(t *testing.T) {
	d := NewMemoryDedup(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestDedupKey_Digest(t *testing.T) {
	k := DedupKey{SenderID: 1, ConversationID: 7, Content: "Hello"}

	a, err := k.Digest(nil)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b, _ := k.Digest(nil)
	if a != b {
		t.Fatalf("digest must be deterministic")
	}

	other, _ := DedupKey{SenderID: 1, ConversationID: 7, Content: "Hello!"}.Digest(nil)
	if other == a {
		t.Fatalf("different content must produce a different key")
	}

	// Field boundaries are length-prefixed: (1, 17) and (11, 7) must not collide.
	x, _ := DedupKey{SenderID: 1, ConversationID: 17, Content: "x"}.Digest(nil)
	y, _ := DedupKey{SenderID: 11, ConversationID: 7, Content: "x"}.Digest(nil)
	if x == y {
		t.Fatalf("field boundary collision")
	}

	keyed, err := k.Digest([]byte("secret"))
	if err != nil {
		t.Fatalf("keyed digest: %v", err)
	}
	if keyed == a {
		t.Fatalf("keyed digest must differ from the unkeyed one")
	}
}
