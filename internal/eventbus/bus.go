package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	logx "taskbell/pkg/logx"
)

// Event is an immutable record of a domain occurrence.
//
// Contract:
//   - Publish delivers synchronously, in subscription order.
//   - A failing handler never affects the publisher or other handlers.
//   - Subscribers must not mutate Data.
//
// Data is normally an events.Payload.
type Event struct {
	ID   string
	Type string
	Time time.Time
	Data any
}

// Any subscribes a handler to every event type.
const Any = "*"

type Handler func(ctx context.Context, e Event) error

// Subscription is the token returned by Subscribe. The zero value is valid
// and unsubscribes nothing.
type Subscription struct {
	id  uint64
	typ string
}

func (s Subscription) Type() string { return s.typ }

type entry struct {
	id uint64
	h  Handler
}

// Bus is an in-memory publish/subscribe registry.
//
// It does not own any background goroutines.
type Bus struct {
	log logx.Logger
	now func() time.Time

	mu       sync.RWMutex
	seq      uint64
	handlers map[string][]entry
}

func New(log logx.Logger) *Bus {
	return &Bus{
		log:      log.With(logx.String("comp", "eventbus")),
		now:      time.Now,
		handlers: map[string][]entry{},
	}
}

func (b *Bus) Subscribe(typ string, h Handler) Subscription {
	if h == nil || typ == "" {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.handlers[typ] = append(b.handlers[typ], entry{id: b.seq, h: h})
	return Subscription{id: b.seq, typ: typ}
}

// Unsubscribe removes the handler behind s. It reports whether anything was
// removed; calling it again is a no-op.
func (b *Bus) Unsubscribe(s Subscription) bool {
	if s.id == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[s.typ]
	for i, e := range list {
		if e.id != s.id {
			continue
		}
		// Copy so a Publish iterating an older snapshot is unaffected.
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, s.typ)
		} else {
			b.handlers[s.typ] = next
		}
		return true
	}
	return false
}

// Handlers returns the number of handlers registered for typ, wildcard excluded.
func (b *Bus) Handlers(typ string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[typ])
}

// Publish stamps ID and Time when unset, then runs every matching handler.
// It returns the stamped event.
func (b *Bus) Publish(ctx context.Context, e Event) Event {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	typed := b.handlers[e.Type]
	wild := b.handlers[Any]
	b.mu.RUnlock()

	for _, en := range typed {
		b.invoke(ctx, en.h, e)
	}
	if e.Type != Any {
		for _, en := range wild {
			b.invoke(ctx, en.h, e)
		}
	}
	return e
}

func (b *Bus) invoke(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				logx.String("type", e.Type),
				logx.String("event_id", e.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := h(ctx, e); err != nil {
		b.log.Warn("event handler failed",
			logx.String("type", e.Type),
			logx.String("event_id", e.ID),
			logx.Err(err),
		)
	}
}

// Publisher is the narrow view handed to producers.
type Publisher interface {
	Publish(ctx context.Context, e Event) Event
}

// Subscriber is the narrow view handed to consumers.
type Subscriber interface {
	Subscribe(typ string, h Handler) Subscription
	Unsubscribe(s Subscription) bool
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

// String is used in logs.
func (s Subscription) String() string { return fmt.Sprintf("%s#%d", s.typ, s.id) }
