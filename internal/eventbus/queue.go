package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	logx "taskbell/pkg/logx"
)

var (
	ErrQueueFull   = errors.New("eventbus: queue full")
	ErrQueueClosed = errors.New("eventbus: queue closed")
)

const DefaultQueueSize = 1024

// Queue decouples producers from handler latency: Enqueue stamps and
// buffers the event, Run publishes buffered events one by one.
type Queue struct {
	pub Publisher
	log logx.Logger
	now func() time.Time

	mu     sync.Mutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

func NewQueue(pub Publisher, size int, log logx.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		pub:  pub,
		log:  log.With(logx.String("comp", "eventbus.queue")),
		now:  time.Now,
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Enqueue stamps ID and Time when unset and buffers e without blocking.
func (q *Queue) Enqueue(e Event) (Event, error) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Time.IsZero() {
		e.Time = q.now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return e, ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return e, nil
	default:
		return e, ErrQueueFull
	}
}

// Len is the number of buffered events.
func (q *Queue) Len() int { return len(q.ch) }

// Done is closed once Run has drained and returned. Run must be called at
// most once.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Run publishes until ctx is done, then closes the queue and publishes
// whatever was already accepted.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case e := <-q.ch:
			q.pub.Publish(ctx, e)
		case <-ctx.Done():
			q.mu.Lock()
			q.closed = true
			q.mu.Unlock()

			drain := context.WithoutCancel(ctx)
			n := 0
			for {
				select {
				case e := <-q.ch:
					q.pub.Publish(drain, e)
					n++
				default:
					if n > 0 {
						q.log.Info("queue drained on stop", logx.Int("events", n))
					}
					return
				}
			}
		}
	}
}
