package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskbell/internal/dedup"
	"taskbell/internal/directory"
	"taskbell/internal/eventbus"
	"taskbell/internal/events"
	"taskbell/internal/mailer"
	"taskbell/internal/realtime"
	logx "taskbell/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu    sync.Mutex
	users map[string]*directory.User
	prefs map[string]*directory.Preferences
	calls int
}

func (g *fakeGateway) FindUserByID(_ context.Context, id string) (*directory.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.users[id], nil
}

func (g *fakeGateway) FindPreferencesByUserID(_ context.Context, id string) (*directory.Preferences, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	p, ok := g.prefs[id]
	if !ok || p == nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) setPrefs(p *directory.Preferences) {
	g.mu.Lock()
	g.prefs[p.UserID] = p
	g.mu.Unlock()
}

type sentMail struct {
	kind    string
	to      string
	msg     mailer.Message
	entries []mailer.DigestEntry
	tasks   []mailer.Reminder
}

type fakeEmail struct {
	mu        sync.Mutex
	sent      []sentMail
	verifyErr error
	failFor   map[string]error // by address
	delay     time.Duration
}

func (f *fakeEmail) Verify(context.Context) error { return f.verifyErr }

func (f *fakeEmail) record(m sentMail) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[m.to]; err != nil {
		return err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeEmail) fail(addr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor == nil {
		f.failFor = map[string]error{}
	}
	f.failFor[addr] = err
}

func (f *fakeEmail) SendWelcome(_ context.Context, to mailer.Recipient) error {
	return f.record(sentMail{kind: "welcome", to: to.Email})
}

func (f *fakeEmail) SendNotification(_ context.Context, to mailer.Recipient, msg mailer.Message) error {
	return f.record(sentMail{kind: "notification", to: to.Email, msg: msg})
}

func (f *fakeEmail) SendTaskReminder(_ context.Context, to mailer.Recipient, tasks []mailer.Reminder) error {
	return f.record(sentMail{kind: "reminder", to: to.Email, tasks: tasks})
}

func (f *fakeEmail) SendDigest(_ context.Context, to mailer.Recipient, entries []mailer.DigestEntry) error {
	return f.record(sentMail{kind: "digest", to: to.Email, entries: entries})
}

func (f *fakeEmail) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeEmail) last() sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakePush struct {
	mu     sync.Mutex
	err    error
	frames []string
}

func (p *fakePush) Push(_ context.Context, userID, event string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, userID+"/"+event)
	return nil
}

type fixture struct {
	clk   *clock
	gw    *fakeGateway
	email *fakeEmail
	push  *fakePush
	bus   *eventbus.Bus
	dedup *dedup.Cache
	users *directory.Cache
	svc   *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clk: &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		gw: &fakeGateway{
			users: map[string]*directory.User{
				"u1": {ID: "u1", Email: "u1@example.com", Name: "Ada"},
				"u2": {ID: "u2", Email: "u2@example.com", Name: "Lin"},
			},
			prefs: map[string]*directory.Preferences{
				"u1": {UserID: "u1", Enabled: true, Email: true, Flags: map[string]bool{"taskNotifications": true}},
				"u2": {UserID: "u2", Enabled: true, Email: true},
			},
		},
		email: &fakeEmail{},
		push:  &fakePush{err: realtime.ErrNotConnected},
		bus:   eventbus.New(logx.Nop()),
	}
	f.dedup = dedup.New(logx.Nop(), dedup.WithClock(f.clk.now))
	f.users = directory.NewCache(f.gw, logx.Nop(), directory.WithClock(f.clk.now))
	svc, err := New(cfg, Deps{
		Bus:   f.bus,
		Users: f.users,
		Dedup: f.dedup,
		Email: f.email,
		Push:  f.push,
		Log:   logx.Nop(),
		Clock: f.clk.now,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	f.svc = svc
	t.Cleanup(func() { svc.Dispose(context.Background()) })
	return f
}

func (f *fixture) publish(t *testing.T, p events.Payload) {
	t.Helper()
	e, err := events.New(p)
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	f.bus.Publish(context.Background(), e)
}

func TestTaskCompletedDedupThenDigest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	if err := f.svc.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	done := events.TaskCompleted{UserID: "u1", TaskID: "t1", Title: "Write report"}

	f.publish(t, done)
	if n := f.email.count("notification"); n != 1 {
		t.Fatalf("deliveries=%d want 1", n)
	}
	if got := f.email.last().msg.Message; got != `Task "Write report" was completed.` {
		t.Fatalf("message=%q", got)
	}
	if !f.dedup.HasRecentlySent(ctx, "u1", events.TypeTaskCompleted) {
		t.Fatalf("dedup entry not recorded")
	}

	f.clk.add(5 * time.Minute)
	f.publish(t, done)
	if n := f.email.count("notification"); n != 1 {
		t.Fatalf("deliveries after repeat=%d want 1", n)
	}
	if n := f.dedup.QueueLen("u1"); n != 1 {
		t.Fatalf("digest queue=%d want 1", n)
	}

	f.clk.add(15 * time.Minute)
	rep := f.svc.FlushDigests(ctx)
	if rep.Sent != 1 || f.email.count("digest") != 1 {
		t.Fatalf("report=%+v digests=%d", rep, f.email.count("digest"))
	}
	entries := f.email.last().entries
	if len(entries) != 1 || entries[0].Type != events.TypeTaskCompleted {
		t.Fatalf("entries=%+v", entries)
	}
	if f.dedup.QueueLen("u1") != 0 {
		t.Fatalf("queue not emptied")
	}
	if !f.dedup.HasRecentlySent(ctx, "u1", DigestKind) {
		t.Fatalf("digest not marked sent")
	}
}

func TestConcurrentSameKindDeliversOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.email.delay = 50 * time.Millisecond
	ctx := context.Background()

	outcomes := make(chan Outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- f.svc.Dispatcher().ProcessNotification(ctx, "u1", events.TypeTaskCompleted,
				map[string]any{"userId": "u1", "title": "Ship"}, false)
		}()
	}
	wg.Wait()
	close(outcomes)

	got := map[Outcome]int{}
	for o := range outcomes {
		got[o]++
	}
	if got[OutcomeSent] != 1 || got[OutcomeQueued] != 1 {
		t.Fatalf("outcomes=%v", got)
	}
	if n := f.email.count("notification"); n != 1 {
		t.Fatalf("deliveries=%d want 1", n)
	}
	if n := f.dedup.QueueLen("u1"); n != 1 {
		t.Fatalf("queued=%d want 1", n)
	}
}

func TestDedupExpiresAfterWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	d := f.svc.Dispatcher()
	ctx := context.Background()

	if out := d.ProcessNotification(ctx, "u1", events.TypeTaskCreated, map[string]any{"title": "a"}, false); out != OutcomeSent {
		t.Fatalf("first=%s", out)
	}
	f.clk.add(30 * time.Minute)
	if out := d.ProcessNotification(ctx, "u1", events.TypeTaskCreated, map[string]any{"title": "b"}, false); out != OutcomeSent {
		t.Fatalf("after window=%s", out)
	}
}

func TestImmediateBypassesDedup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	login := events.NewLogin{UserID: "u1", IP: "203.0.113.9", Location: "Lisbon"}
	f.publish(t, login)
	f.clk.add(time.Minute)
	f.publish(t, login)

	if n := f.email.count("notification"); n != 2 {
		t.Fatalf("deliveries=%d want 2", n)
	}
	if f.dedup.QueueLen("u1") != 0 {
		t.Fatalf("immediate event queued")
	}
	if got := f.email.last().msg.Message; got != "New sign-in to your account from Lisbon (203.0.113.9)." {
		t.Fatalf("message=%q", got)
	}
}

func TestWelcomeAndReminderTemplates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_ = f.svc.Initialize(context.Background())

	f.publish(t, events.UserRegistered{UserID: "u2", Email: "u2@example.com"})
	if f.email.count("welcome") != 1 {
		t.Fatalf("welcome not sent")
	}
	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.publish(t, events.TasksDueSoon{UserID: "u2", Tasks: []events.DueTask{{TaskID: "t1", Title: "Pay rent", DueAt: due}}})
	if f.email.count("reminder") != 1 {
		t.Fatalf("reminder not sent")
	}
	tasks := f.email.last().tasks
	if len(tasks) != 1 || tasks[0].Title != "Pay rent" || !tasks[0].DueAt.Equal(due) {
		t.Fatalf("tasks=%+v", tasks)
	}
}

func TestPreferencesDrop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		user  string
		prefs *directory.Preferences
		kind  string
	}{
		{name: "unknown user", user: "ghost", kind: events.TypeTaskCreated},
		{name: "no preferences", user: "u1", kind: events.TypeTaskCreated},
		{name: "master switch off", user: "u1", prefs: &directory.Preferences{UserID: "u1", Email: true}, kind: events.TypeTaskCreated},
		{name: "no channel", user: "u1", prefs: &directory.Preferences{UserID: "u1", Enabled: true}, kind: events.TypeTaskCreated},
		{name: "flag off", user: "u1", prefs: &directory.Preferences{UserID: "u1", Enabled: true, Email: true, Flags: map[string]bool{"taskNotifications": false}}, kind: events.TypeTaskCompleted},
		{name: "flag off immediate", user: "u1", prefs: &directory.Preferences{UserID: "u1", Enabled: true, Email: true, Flags: map[string]bool{"authNotifications": false}}, kind: events.TypeNewLogin},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{})
			delete(f.gw.prefs, "u1")
			if tt.prefs != nil {
				f.gw.setPrefs(tt.prefs)
			}
			out := f.svc.Dispatcher().ProcessNotification(context.Background(), tt.user, tt.kind, nil, true)
			if out != OutcomeDropped {
				t.Fatalf("outcome=%s", out)
			}
			if len(f.email.sent) != 0 || f.dedup.QueueLen(tt.user) != 0 {
				t.Fatalf("side effects: sent=%d queued=%d", len(f.email.sent), f.dedup.QueueLen(tt.user))
			}
		})
	}
}

func TestMissingUserIDIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ExtraEventTypes: []string{"project.archived"}})
	_ = f.svc.Initialize(context.Background())

	f.bus.Publish(context.Background(), eventbus.Event{Type: "project.archived", Data: map[string]any{"projectId": "p1"}})
	f.bus.Publish(context.Background(), eventbus.Event{Type: events.TypeTaskCreated, Data: events.TaskCreated{TaskID: "t1"}})
	f.bus.Publish(context.Background(), eventbus.Event{Type: events.TypeTaskCreated, Data: 42})

	if f.gw.calls != 0 {
		t.Fatalf("gateway consulted %d times for invalid events", f.gw.calls)
	}
}

func TestUnknownTypeGoesToDigest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ExtraEventTypes: []string{"project.archived", "notifier.sent"}})
	_ = f.svc.Initialize(context.Background())

	f.bus.Publish(context.Background(), eventbus.Event{Type: "project.archived", Data: map[string]any{"userId": "u2", "projectId": "p1"}})
	if len(f.email.sent) != 0 {
		t.Fatalf("unknown type delivered immediately")
	}
	if f.dedup.QueueLen("u2") != 1 {
		t.Fatalf("unknown type not queued")
	}
	if f.bus.Handlers("notifier.sent") != 0 {
		t.Fatalf("notifier subscribed to its own events")
	}

	rep := f.svc.FlushDigests(context.Background())
	if rep.Sent != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if e := f.email.last().entries; len(e) != 1 || e[0].Title != "project.archived" {
		t.Fatalf("entries=%+v", e)
	}
}

func TestTemplatesCoverCatalog(t *testing.T) {
	t.Parallel()

	for _, typ := range events.Known() {
		tpl, ok := lookupNotice(typ)
		if !ok {
			t.Fatalf("no template for %s", typ)
		}
		if tpl.title == "" || tpl.render(nil) == "" {
			t.Fatalf("empty template for %s", typ)
		}
	}
}

func TestTemplateRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		data map[string]any
		want string
	}{
		{`Task "{{field .title}}" done`, map[string]any{"title": "x"}, `Task "x" done`},
		{"{{field .count}} due", map[string]any{"count": 3}, "3 due"},
		{"from {{field .ip}}", nil, "from unknown"},
		{"by {{field .name}}", map[string]any{"name": ""}, "by unknown"},
		{"at {{field .at}}", map[string]any{"at": time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)}, "at 2026-01-02 03:04 UTC"},
		{"open {brace", nil, "open {brace"},
	}
	for _, tt := range tests {
		if got := newNotice(emailNotification, "t", tt.msg).render(tt.data); got != tt.want {
			t.Fatalf("render(%q)=%q want %q", tt.msg, got, tt.want)
		}
	}
}

func TestSentWhenAnyChannelDelivers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.gw.setPrefs(&directory.Preferences{UserID: "u1", Enabled: true, Email: true, Push: true})
	f.email.fail("u1@example.com", errors.New("smtp down"))
	f.push.err = nil
	d := f.svc.Dispatcher()
	ctx := context.Background()

	if out := d.ProcessNotification(ctx, "u1", events.TypeTaskCreated, nil, false); out != OutcomeSent {
		t.Fatalf("outcome=%s", out)
	}
	if len(f.push.frames) != 1 || f.push.frames[0] != "u1/"+PushEvent {
		t.Fatalf("frames=%v", f.push.frames)
	}
	if !f.dedup.HasRecentlySent(ctx, "u1", events.TypeTaskCreated) {
		t.Fatalf("not marked sent")
	}
}

func TestFailedDeliveryIsNotMarked(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.gw.setPrefs(&directory.Preferences{UserID: "u1", Enabled: true, Email: true, Push: true})
	f.email.fail("u1@example.com", errors.New("smtp down"))
	ctx := context.Background()

	if out := f.svc.Dispatcher().ProcessNotification(ctx, "u1", events.TypeTaskCreated, nil, false); out != OutcomeFailed {
		t.Fatalf("outcome=%s", out)
	}
	if f.dedup.HasRecentlySent(ctx, "u1", events.TypeTaskCreated) {
		t.Fatalf("failed delivery marked sent")
	}
}

func TestDigestFailureRequeuesInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	for _, k := range []string{"a", "b"} {
		f.dedup.EnqueueForDigest("u1", dedup.Item{Kind: events.TypeTaskCreated, Data: map[string]any{"title": k}})
	}
	f.email.fail("u1@example.com", errors.New("smtp down"))

	rep := f.svc.FlushDigests(ctx)
	if rep.Failed != 1 || f.dedup.QueueLen("u1") != 2 {
		t.Fatalf("report=%+v queue=%d", rep, f.dedup.QueueLen("u1"))
	}
	f.dedup.EnqueueForDigest("u1", dedup.Item{Kind: events.TypeTaskCreated, Data: map[string]any{"title": "c"}})

	f.email.fail("u1@example.com", nil)
	if rep := f.svc.FlushDigests(ctx); rep.Sent != 1 {
		t.Fatalf("retry report=%+v", rep)
	}
	var got []string
	for _, e := range f.email.last().entries {
		got = append(got, e.Message)
	}
	want := []string{`Task "a" was created.`, `Task "b" was created.`, `Task "c" was created.`}
	if len(got) != len(want) {
		t.Fatalf("entries=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entries=%v want %v", got, want)
		}
	}
}

func TestDigestDropsItemsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	dropped := make(chan NotificationEvent, 1)
	f.bus.Subscribe(EventDropped, func(_ context.Context, e eventbus.Event) error {
		dropped <- e.Data.(NotificationEvent)
		return nil
	})
	f.dedup.EnqueueForDigest("u1", dedup.Item{Kind: events.TypeTaskCreated, Data: map[string]any{"title": "old"}})
	f.email.fail("u1@example.com", errors.New("smtp down"))

	for i := 1; i < MaxDigestAttempts; i++ {
		if rep := f.svc.FlushDigests(ctx); rep.Failed != 1 || rep.Expired != 0 {
			t.Fatalf("pass %d report=%+v", i, rep)
		}
	}
	if n := f.dedup.QueueLen("u1"); n != 1 {
		t.Fatalf("queue=%d before last attempt", n)
	}
	f.dedup.EnqueueForDigest("u1", dedup.Item{Kind: events.TypeTaskCreated, Data: map[string]any{"title": "new"}})

	rep := f.svc.FlushDigests(ctx)
	if rep.Failed != 1 || rep.Expired != 1 {
		t.Fatalf("last report=%+v", rep)
	}
	left := f.dedup.DrainDigest("u1")
	if len(left) != 1 || left[0].Data["title"] != "new" || left[0].Attempts != 1 {
		t.Fatalf("left=%+v", left)
	}
	select {
	case ev := <-dropped:
		if ev.UserID != "u1" || ev.Outcome != OutcomeDropped.String() {
			t.Fatalf("dropped event=%+v", ev)
		}
	default:
		t.Fatalf("no dropped event published")
	}
}

func TestDigestHonorsCurrentPreferences(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.dedup.EnqueueForDigest("u1", dedup.Item{Kind: events.TypeTaskCreated})
	f.dedup.EnqueueForDigest("u2", dedup.Item{Kind: events.TypeTaskCreated})
	f.dedup.EnqueueForDigest("u2", dedup.Item{Kind: events.TypeNewLogin})
	f.gw.setPrefs(&directory.Preferences{UserID: "u1", Enabled: false, Email: true})
	f.gw.setPrefs(&directory.Preferences{UserID: "u2", Enabled: true, Email: true, Flags: map[string]bool{"taskNotifications": false}})

	rep := f.svc.FlushDigests(context.Background())
	if rep.Discarded != 1 || rep.Sent != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if f.dedup.QueueLen("u1") != 0 {
		t.Fatalf("disabled user's queue kept")
	}
	if e := f.email.last().entries; len(e) != 1 || e[0].Type != events.TypeNewLogin {
		t.Fatalf("entries=%+v", e)
	}
}

func TestDigestFailureIsIsolatedPerUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.gw.setPrefs(&directory.Preferences{UserID: "u1", Enabled: true, Email: true})
	f.dedup.EnqueueForDigest("u1", dedup.Item{Kind: events.TypeTaskCreated})
	f.dedup.EnqueueForDigest("u2", dedup.Item{Kind: events.TypeTaskCreated})
	f.email.fail("u1@example.com", errors.New("mailbox full"))

	rep := f.svc.FlushDigests(context.Background())
	if rep.Users != 2 || rep.Failed != 1 || rep.Sent != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if f.email.last().to != "u2@example.com" {
		t.Fatalf("u2 digest not sent")
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := f.svc.Initialize(ctx); err != nil {
			t.Fatalf("initialize %d: %v", i, err)
		}
	}
	if n := f.bus.Handlers(events.TypeTaskCompleted); n != 1 {
		t.Fatalf("handlers=%d want 1", n)
	}
	if n := len(f.svc.Schedules()); n != 2 {
		t.Fatalf("schedules=%d want 2", n)
	}
	f.publish(t, events.TaskCompleted{UserID: "u1", TaskID: "t1"})
	if n := f.email.count("notification"); n != 1 {
		t.Fatalf("deliveries=%d want 1", n)
	}
}

func TestInitializeSurfacesEmailFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	boom := errors.New("dial tcp: connection refused")
	f.email.verifyErr = boom

	if err := f.svc.Initialize(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if f.svc.Initialized() || f.bus.Handlers(events.TypeTaskCompleted) != 0 {
		t.Fatalf("partially initialized after failure")
	}
}

func TestDisposeIsSafe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.svc.Dispose(ctx)

	_ = f.svc.Initialize(ctx)
	f.svc.Dispose(ctx)
	f.svc.Dispose(ctx)
	for _, typ := range events.Known() {
		if n := f.bus.Handlers(typ); n != 0 {
			t.Fatalf("%s: %d handlers after dispose", typ, n)
		}
	}
	f.publish(t, events.TaskCompleted{UserID: "u1", TaskID: "t1"})
	if len(f.email.sent) != 0 {
		t.Fatalf("delivered after dispose")
	}

	if err := f.svc.Initialize(ctx); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if n := f.bus.Handlers(events.TypeTaskCompleted); n != 1 {
		t.Fatalf("handlers after reinitialize=%d", n)
	}
}

func TestDigestTaskFiresUntilDisposed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DigestSchedule: "1s", JanitorSchedule: "1h"})
	f.dedup.EnqueueForDigest("u2", dedup.Item{Kind: events.TypeTaskCreated})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for f.email.count("digest") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("digest task never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}

	f.svc.Dispose(context.Background())
	f.dedup.EnqueueForDigest("u2", dedup.Item{Kind: events.TypeTaskCreated})
	time.Sleep(1300 * time.Millisecond)
	if f.email.count("digest") != 1 || f.dedup.QueueLen("u2") != 1 {
		t.Fatalf("digest ran after dispose: digests=%d queue=%d", f.email.count("digest"), f.dedup.QueueLen("u2"))
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	bad := []Config{
		{DigestSchedule: "soon"},
		{JanitorSchedule: "cron:99 * * * *"},
		{Timezone: "Nowhere/Special"},
	}
	for _, cfg := range bad {
		if _, err := New(cfg, Deps{Bus: eventbus.New(logx.Nop()), Users: directory.NewCache(&fakeGateway{}, logx.Nop()), Dedup: dedup.New(logx.Nop())}); err == nil {
			t.Fatalf("cfg %+v accepted", cfg)
		}
	}
}

func TestApplySchedulesReschedulesDigest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DigestSchedule: "1h", JanitorSchedule: "1h"})
	f.dedup.EnqueueForDigest("u2", dedup.Item{Kind: events.TypeTaskCreated})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { f.svc.Dispose(context.Background()) })

	if err := f.svc.ApplySchedules(Config{DigestSchedule: "cron:nonsense"}); err == nil {
		t.Fatalf("bad schedule applied")
	}
	if err := f.svc.ApplySchedules(Config{DigestSchedule: "every:1s", JanitorSchedule: "cron:0 3 * * *", Timezone: "UTC"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	specs := map[string]string{}
	for _, si := range f.svc.Schedules() {
		specs[si.Name] = si.Spec
	}
	if specs["notifier.digest"] != "@every 1s" || specs["notifier.janitor"] != "0 3 * * *" {
		t.Fatalf("specs=%v", specs)
	}

	deadline := time.Now().Add(3 * time.Second)
	for f.email.count("digest") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("digest never ran on the new schedule")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.users.GetUser(ctx, "u1")
	f.dedup.MarkSent("u1", events.TypeTaskCreated)

	if rep := f.svc.Sweep(ctx); rep.Dedup != 0 || rep.Users != 0 {
		t.Fatalf("fresh entries evicted: %+v", rep)
	}
	f.clk.add(31 * time.Minute)
	rep := f.svc.Sweep(ctx)
	if rep.Dedup != 1 || rep.Users != 1 || f.dedup.Len() != 0 || f.users.Len() != 0 {
		t.Fatalf("report=%+v", rep)
	}
}
