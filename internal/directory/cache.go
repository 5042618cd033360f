// Package directory resolves users and their notification preferences,
// caching identities for a bounded time.
package directory

import (
	"context"
	"sync"
	"time"

	logx "taskbell/pkg/logx"
)

const DefaultUserTTL = 30 * time.Minute

type userEntry struct {
	user     User
	cachedAt time.Time
}

// Cache wraps a Gateway. Users are cached for TTL; preferences are always
// read through.
type Cache struct {
	gw  Gateway
	ttl time.Duration
	log logx.Logger
	now func() time.Time

	mu    sync.Mutex
	users map[string]userEntry
}

type Option func(*Cache)

func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
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

func NewCache(gw Gateway, log logx.Logger, opts ...Option) *Cache {
	c := &Cache{
		gw:    gw,
		ttl:   DefaultUserTTL,
		log:   log.With(logx.String("comp", "directory")),
		now:   time.Now,
		users: map[string]userEntry{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetUser returns the cached user or fetches it once from the gateway.
// Absent users and lookup failures both yield nil.
func (c *Cache) GetUser(ctx context.Context, id string) *User {
	if id == "" {
		return nil
	}
	now := c.now()

	c.mu.Lock()
	e, ok := c.users[id]
	if ok && now.Sub(e.cachedAt) < c.ttl {
		c.mu.Unlock()
		u := e.user
		return &u
	}
	c.mu.Unlock()

	u, err := c.gw.FindUserByID(ctx, id)
	if err != nil {
		c.log.Warn("user lookup failed", logx.String("user_id", id), logx.Err(err))
		return nil
	}
	if u == nil {
		return nil
	}

	c.mu.Lock()
	c.users[id] = userEntry{user: *u, cachedAt: now}
	c.mu.Unlock()
	cp := *u
	return &cp
}

// GetPreferences is uncached. A failure is logged and reported as nil.
func (c *Cache) GetPreferences(ctx context.Context, userID string) *Preferences {
	p, err := c.gw.FindPreferencesByUserID(ctx, userID)
	if err != nil {
		c.log.Warn("preferences lookup failed", logx.String("user_id", userID), logx.Err(err))
		return nil
	}
	return p
}

// EvictExpired drops users cached at or before now-TTL and returns how many went.
func (c *Cache) EvictExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.users {
		if now.Sub(e.cachedAt) >= c.ttl {
			delete(c.users, id)
			n++
		}
	}
	return n
}

// Invalidate forgets one user.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.users, id)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}
