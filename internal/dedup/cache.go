// Package dedup tracks which notifications a user received recently and
// holds the per-user queues of notifications folded into the next digest.
//
// Expiry is checked on every read; EvictExpired only bounds memory.
package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskbell/internal/storage"
	logx "taskbell/pkg/logx"
)

const DefaultWindow = 30 * time.Minute

// Item is one notification waiting for a digest.
type Item struct {
	Kind       string         `json:"kind"`
	Data       map[string]any `json:"data,omitempty"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	// Attempts counts failed digest deliveries of this item.
	Attempts int `json:"attempts,omitempty"`
}

type key struct {
	user string
	kind string
}

func (k key) String() string { return k.user + "|" + k.kind }

type write struct {
	key   string
	until time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	window time.Duration
	now    func() time.Time
	log    logx.Logger
	store  storage.DedupStore

	mu     sync.Mutex
	sent   map[key]time.Time
	queues map[string][]Item

	persistCh chan write
}

type Option func(*Cache)

func WithWindow(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStore mirrors dedup marks to st so they survive restarts.
// Writes are flushed by Run.
func WithStore(st storage.DedupStore) Option {
	return func(c *Cache) { c.store = st }
}

func New(log logx.Logger, opts ...Option) *Cache {
	c := &Cache{
		window: DefaultWindow,
		now:    time.Now,
		log:    log.With(logx.String("comp", "dedup")),
		sent:   map[key]time.Time{},
		queues: map[string][]Item{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.store != nil {
		c.persistCh = make(chan write, 1024)
	}
	return c
}

func (c *Cache) Window() time.Duration { return c.window }

// HasRecentlySent reports whether kind was sent to userID within the window.
func (c *Cache) HasRecentlySent(ctx context.Context, userID, kind string) bool {
	k := key{userID, kind}
	now := c.now()

	c.mu.Lock()
	at, ok := c.sent[k]
	c.mu.Unlock()
	if ok && now.Sub(at) < c.window {
		return true
	}
	if c.store == nil {
		return false
	}

	// Best-effort cross-restart check.
	cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
	until, found, err := c.store.GetDedup(cctx, k.String())
	cancel()
	if err != nil {
		c.log.Debug("dedup store lookup failed", logx.String("key", k.String()), logx.Err(err))
		return false
	}
	if !found || !now.Before(until) {
		return false
	}
	c.mu.Lock()
	if cur, ok := c.sent[k]; !ok || cur.Before(until.Add(-c.window)) {
		c.sent[k] = until.Add(-c.window)
	}
	c.mu.Unlock()
	return true
}

// Reserve claims the (userID, kind) slot for a delivery about to start. It
// fails when kind was sent inside the window or another delivery already
// holds the slot. The decision is made under one lock acquisition, so of
// two concurrent callers exactly one wins. The returned time identifies the
// reservation for Release.
func (c *Cache) Reserve(ctx context.Context, userID, kind string) (time.Time, bool) {
	if c.HasRecentlySent(ctx, userID, kind) {
		return time.Time{}, false
	}
	k := key{userID, kind}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.sent[k]; ok && now.Sub(at) < c.window {
		return time.Time{}, false
	}
	c.sent[k] = now
	return now, true
}

// Release drops a reservation whose delivery failed, unless a later mark
// replaced it.
func (c *Cache) Release(userID, kind string, at time.Time) {
	k := key{userID, kind}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sent[k]; ok && cur.Equal(at) {
		delete(c.sent, k)
	}
}

// MarkSent records a delivery of kind to userID at the current time.
func (c *Cache) MarkSent(userID, kind string) {
	k := key{userID, kind}
	now := c.now()

	c.mu.Lock()
	c.sent[k] = now
	c.mu.Unlock()

	if c.persistCh != nil {
		select {
		case c.persistCh <- write{key: k.String(), until: now.Add(c.window)}:
		default:
			c.log.Debug("dedup persist queue full", logx.String("key", k.String()))
		}
	}
}

// EnqueueForDigest appends it to the user's queue, stamping EnqueuedAt when unset.
func (c *Cache) EnqueueForDigest(userID string, it Item) {
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = c.now()
	}
	c.mu.Lock()
	c.queues[userID] = append(c.queues[userID], it)
	c.mu.Unlock()
}

// DrainDigest returns the user's queue and empties it in one step.
func (c *Cache) DrainDigest(userID string) []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.queues[userID]
	delete(c.queues, userID)
	return items
}

// Requeue puts items back ahead of anything enqueued since they were drained.
func (c *Cache) Requeue(userID string, items []Item) {
	if len(items) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.queues[userID]
	merged := make([]Item, 0, len(items)+len(cur))
	merged = append(merged, items...)
	merged = append(merged, cur...)
	c.queues[userID] = merged
}

// PendingUsers lists users with a non-empty queue, sorted.
func (c *Cache) PendingUsers() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.queues))
	for u, q := range c.queues {
		if len(q) > 0 {
			out = append(out, u)
		}
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

func (c *Cache) QueueLen(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[userID])
}

// EvictExpired removes marks older than the window and returns the count.
func (c *Cache) EvictExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, at := range c.sent {
		if now.Sub(at) >= c.window {
			delete(c.sent, k)
			n++
		}
	}
	return n
}

// Len returns the number of dedup marks held in memory, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// Prune deletes expired marks from the store, if any.
func (c *Cache) Prune(ctx context.Context, now time.Time) (int64, error) {
	if c.store == nil {
		return 0, nil
	}
	return c.store.PruneDedup(ctx, now)
}

// Run flushes mirrored writes until ctx is done. It returns immediately when
// no store is configured.
func (c *Cache) Run(ctx context.Context) {
	if c.persistCh == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			c.flushPending()
			return
		case w := <-c.persistCh:
			c.persist(ctx, w)
		}
	}
}

func (c *Cache) flushPending() {
	for {
		select {
		case w := <-c.persistCh:
			c.persist(context.Background(), w)
		default:
			return
		}
	}
}

func (c *Cache) persist(ctx context.Context, w write) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
	defer cancel()
	if err := c.store.PutDedup(cctx, w.key, w.until); err != nil {
		c.log.Warn("dedup persist failed", logx.String("key", w.key), logx.Err(err))
	}
}
