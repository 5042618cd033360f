package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "taskbell/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	got  []string
	gate chan struct{}
}

func (r *recorder) Publish(_ context.Context, e Event) Event {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.got = append(r.got, e.ID)
	r.mu.Unlock()
	return e
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestEnqueueDoesNotWaitForHandlers(t *testing.T) {
	t.Parallel()

	rec := &recorder{gate: make(chan struct{})}
	q := NewQueue(rec, 4, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	start := time.Now()
	e, err := q.Enqueue(Event{Type: "task.created"})
	if err != nil || e.ID == "" || e.Time.IsZero() {
		t.Fatalf("enqueue: e=%+v err=%v", e, err)
	}
	if took := time.Since(start); took > 100*time.Millisecond {
		t.Fatalf("enqueue blocked for %s", took)
	}

	close(rec.gate)
	deadline := time.Now().Add(time.Second)
	for len(rec.ids()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ids := rec.ids(); len(ids) != 1 || ids[0] != e.ID {
		t.Fatalf("published=%v want [%s]", ids, e.ID)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(&recorder{}, 2, logx.Nop())
	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(Event{Type: "task.created"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := q.Enqueue(Event{Type: "task.created"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
}

func TestRunDrainsAcceptedEventsOnStop(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	q := NewQueue(rec, 8, logx.Nop())
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(Event{Type: "task.created"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)

	if n := len(rec.ids()); n != 3 {
		t.Fatalf("published=%d want 3", n)
	}
	if _, err := q.Enqueue(Event{Type: "task.created"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err=%v want ErrQueueClosed", err)
	}
}
