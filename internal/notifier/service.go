package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"taskbell/internal/dedup"
	"taskbell/internal/directory"
	"taskbell/internal/eventbus"
	"taskbell/internal/events"
	rtsup "taskbell/internal/runtime/supervisor"
	"taskbell/internal/task/scheduler"
	logx "taskbell/pkg/logx"
)

// Bus is what the service needs from the event bus.
type Bus interface {
	eventbus.Publisher
	eventbus.Subscriber
}

// Deps are the collaborators of a Service. Email and Push may be nil when
// the channel is not configured.
type Deps struct {
	Bus   Bus
	Users *directory.Cache
	Dedup *dedup.Cache
	Email EmailChannel
	Push  PushChannel
	// Meter defaults to the global otel provider.
	Meter metric.MeterProvider
	Log   logx.Logger
	Clock func() time.Time
}

// Service owns the dispatcher's subscriptions and its periodic digest and
// janitor tasks.
type Service struct {
	mu sync.Mutex

	cfg   Config
	deps  Deps
	log   logx.Logger
	d     *Dispatcher
	sched *scheduler.Service

	initialized bool
	subs        []eventbus.Subscription
	sup         *rtsup.Supervisor
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Bus == nil || deps.Users == nil || deps.Dedup == nil {
		return nil, fmt.Errorf("notifier: bus, users and dedup are required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "notifier"))
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	m, err := newMetrics(deps.Meter)
	if err != nil {
		return nil, fmt.Errorf("notifier: metrics: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := validateSchedules(cfg); err != nil {
		return nil, err
	}
	return &Service{
		cfg:  cfg,
		deps: deps,
		log:  log,
		d: &Dispatcher{
			users:   deps.Users,
			dedup:   deps.Dedup,
			email:   deps.Email,
			push:    deps.Push,
			bus:     deps.Bus,
			log:     log,
			metrics: m,
			now:     now,
			timeout: cfg.SendTimeout,
		},
		sched: scheduler.New(scheduler.Config{Timezone: cfg.Timezone, DefaultTimeout: digestTimeout}, log),
	}, nil
}

// Dispatcher exposes the policy layer, e.g. for direct calls in tests.
func (s *Service) Dispatcher() *Dispatcher { return s.d }

// Initialized reports whether subscriptions and periodic tasks are live.
func (s *Service) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Initialize verifies the email channel, subscribes the dispatcher and
// starts the digest and janitor tasks. A second call is a no-op. A failing
// email channel is returned and nothing is started.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.deps.Email != nil {
		if err := s.deps.Email.Verify(ctx); err != nil {
			return fmt.Errorf("notifier: email channel: %w", err)
		}
	}

	if err := s.addSchedulesLocked(); err != nil {
		return err
	}

	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go0("dedup.persist", s.deps.Dedup.Run)

	for _, typ := range s.eventTypes() {
		s.subs = append(s.subs, s.deps.Bus.Subscribe(typ, s.d.OnEvent))
	}
	s.sched.Start(ctx)
	s.initialized = true
	s.log.Info("notifier initialized",
		logx.Int("subscriptions", len(s.subs)),
		logx.String("digest", s.cfg.DigestSchedule),
		logx.String("janitor", s.cfg.JanitorSchedule),
		logx.String("tz", s.cfg.Timezone))
	return nil
}

func (s *Service) addSchedulesLocked() error {
	if err := s.sched.AddSchedule("notifier.digest", s.cfg.DigestSchedule, digestTimeout, func(ctx context.Context) error {
		s.d.FlushDigests(ctx)
		return nil
	}); err != nil {
		return err
	}
	return s.sched.AddSchedule("notifier.janitor", s.cfg.JanitorSchedule, janitorTimeout, func(ctx context.Context) error {
		s.d.Sweep(ctx)
		return nil
	})
}

// ApplySchedules swaps the digest and janitor schedules and the timezone
// they fire in. Other fields of cfg are ignored; they need a restart. An
// invalid schedule leaves the running ones untouched.
func (s *Service) ApplySchedules(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := validateSchedules(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.DigestSchedule == s.cfg.DigestSchedule && cfg.JanitorSchedule == s.cfg.JanitorSchedule &&
		cfg.Timezone == s.cfg.Timezone {
		return nil
	}
	s.cfg.DigestSchedule = cfg.DigestSchedule
	s.cfg.JanitorSchedule = cfg.JanitorSchedule
	s.cfg.Timezone = cfg.Timezone
	if err := s.addSchedulesLocked(); err != nil {
		return err
	}
	s.sched.Apply(scheduler.Config{Timezone: cfg.Timezone, DefaultTimeout: digestTimeout})
	s.log.Info("notifier schedules applied",
		logx.String("digest", cfg.DigestSchedule),
		logx.String("janitor", cfg.JanitorSchedule),
		logx.String("tz", cfg.Timezone),
		logx.Bool("running", s.sched.Running()))
	return nil
}

func validateSchedules(cfg Config) error {
	if err := scheduler.ValidateSchedule(cfg.DigestSchedule); err != nil {
		return fmt.Errorf("notifier: digest schedule: %w", err)
	}
	if err := scheduler.ValidateSchedule(cfg.JanitorSchedule); err != nil {
		return fmt.Errorf("notifier: janitor schedule: %w", err)
	}
	if err := scheduler.ValidateTimezone(cfg.Timezone); err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	return nil
}

// eventTypes is the catalog plus configured extras, sorted and unique.
// The notifier's own events are never subscribed.
func (s *Service) eventTypes() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(events.Known(), s.cfg.ExtraEventTypes...) {
		t = strings.TrimSpace(t)
		if t == "" || t == eventbus.Any || strings.HasPrefix(t, "notifier.") || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispose releases every subscription and stops the periodic tasks; no
// task fires after it returns. It is safe without Initialize and safe to
// repeat.
func (s *Service) Dispose(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return
	}
	for _, sub := range s.subs {
		s.deps.Bus.Unsubscribe(sub)
	}
	s.subs = nil
	s.sched.Stop(ctx)
	if s.sup != nil {
		if err := s.sup.Stop(ctx); err != nil {
			s.log.Warn("notifier goroutines did not stop cleanly", logx.Err(err))
		}
		s.sup = nil
	}
	s.initialized = false
	s.log.Info("notifier disposed")
}

// FlushDigests runs a digest pass now.
func (s *Service) FlushDigests(ctx context.Context) DigestReport { return s.d.FlushDigests(ctx) }

// Sweep runs a janitor pass now.
func (s *Service) Sweep(ctx context.Context) SweepReport { return s.d.Sweep(ctx) }

// Schedules lists the periodic tasks.
func (s *Service) Schedules() []scheduler.ScheduleInfo { return s.sched.Schedules() }
