package realtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"marketchat/cmd/security/fingerprint"
)

// DedupKey identifies a send attempt. The timestamp is deliberately not part of it:
// identical text from the same sender in the same conversation collides inside the window.
type DedupKey struct {
	SenderID       int64
	ConversationID int64
	Content        string
}

// Digest returns the fixed-size cache key for k. secret may be nil.
func (k DedupKey) Digest(secret []byte) (string, error) {
	return fingerprint.Keyed(secret,
		strconv.FormatInt(k.SenderID, 10),
		strconv.FormatInt(k.ConversationID, 10),
		k.Content,
	)
}

// DedupCache is a short-lived record of recently accepted sends.
//
// CheckAndInsert is an atomic check-then-set: when key is present the stored message id is
// returned with found=true and nothing is written; otherwise key -> messageID is stored and
// expires after the cache window.
type DedupCache interface {
	Lookup(ctx context.Context, key string) (messageID int64, found bool, err error)
	CheckAndInsert(ctx context.Context, key string, messageID int64) (existing int64, found bool, err error)
}

type dedupEntry struct {
	messageID int64
	expires   time.Time
}

type dedupItem struct {
	key     string
	expires time.Time
}

// MemoryDedup is a mutex-guarded DedupCache with time-boxed entries.
//
// Every entry lives for the same window, so insertion order is expiry order. Eviction is a
// sweep over that queue (on every write and from Run) instead of one timer per entry.
// Reads also check expiry, so an entry is never observable after its window even if the
// sweep has not run yet.
type MemoryDedup struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]dedupEntry
	queue   []dedupItem
	head    int
}

// MemoryDedupOption configures MemoryDedup.
type MemoryDedupOption func(*MemoryDedup)

// WithDedupClock overrides the clock (tests).
func WithDedupClock(now func() time.Time) MemoryDedupOption {
	return func(d *MemoryDedup) {
		if now != nil {
			d.now = now
		}
	}
}

// NewMemoryDedup constructs a cache with the given window (DefaultDedupWindow when <= 0).
func NewMemoryDedup(window time.Duration, opts ...MemoryDedupOption) *MemoryDedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	d := &MemoryDedup{
		window:  window,
		now:     time.Now,
		entries: make(map[string]dedupEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Window returns the configured dedup window.
func (d *MemoryDedup) Window() time.Duration { return d.window }

// Lookup returns the message id stored under key if it has not expired.
func (d *MemoryDedup) Lookup(_ context.Context, key string) (int64, bool, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[key]
	if !ok || !now.Before(e.expires) {
		return 0, false, nil
	}
	return e.messageID, true, nil
}

// CheckAndInsert stores key -> messageID unless a live entry exists.
func (d *MemoryDedup) CheckAndInsert(_ context.Context, key string, messageID int64) (int64, bool, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweepLocked(now)

	if e, ok := d.entries[key]; ok && now.Before(e.expires) {
		return e.messageID, true, nil
	}

	exp := now.Add(d.window)
	d.entries[key] = dedupEntry{messageID: messageID, expires: exp}
	d.queue = append(d.queue, dedupItem{key: key, expires: exp})
	return 0, false, nil
}

// Len returns the number of entries not yet swept.
func (d *MemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Sweep evicts every expired entry.
func (d *MemoryDedup) Sweep() {
	now := d.now()
	d.mu.Lock()
	d.sweepLocked(now)
	d.mu.Unlock()
}

// Run sweeps periodically until ctx is done.
func (d *MemoryDedup) Run(ctx context.Context) {
	t := time.NewTicker(d.window)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Sweep()
		}
	}
}

func (d *MemoryDedup) sweepLocked(now time.Time) {
	for d.head < len(d.queue) {
		it := d.queue[d.head]
		if now.Before(it.expires) {
			break
		}
		// The key may have been re-inserted after expiry; only drop the entry this item created.
		if e, ok := d.entries[it.key]; ok && e.expires.Equal(it.expires) {
			delete(d.entries, it.key)
		}
		d.queue[d.head] = dedupItem{}
		d.head++
	}

	if d.head > 0 && d.head >= len(d.queue)/2 {
		n := copy(d.queue, d.queue[d.head:])
		d.queue = d.queue[:n]
		d.head = 0
	}
}

var _ DedupCache = (*MemoryDedup)(nil)
