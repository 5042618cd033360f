// Package app wires configuration, storage, delivery channels and the
// notifier into one process with a bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskbell/internal/config"
	"taskbell/internal/dedup"
	"taskbell/internal/directory"
	"taskbell/internal/eventbus"
	"taskbell/internal/httpapi"
	"taskbell/internal/mailer"
	"taskbell/internal/notifier"
	"taskbell/internal/observability/pprof"
	"taskbell/internal/realtime"
	"taskbell/internal/runtime/supervisor"
	"taskbell/internal/storage"
	"taskbell/internal/task/scheduler"
	logx "taskbell/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	db     *storage.SQLite
	store  storage.DedupStore
	bus    *eventbus.Bus
	ingest *eventbus.Queue
	users  *directory.Cache
	dedup  *dedup.Cache
	mail   *mailer.Service
	hub    *realtime.Hub
	notif  *notifier.Service
	http   *httpapi.Server
	pprof  *pprof.Service

	checks          map[string]httpapi.Check
	addr            string
	shutdownTimeout time.Duration
}

// Status is served on GET /v1/status.
type Status struct {
	Realtime     realtime.Stats           `json:"realtime"`
	CachedUsers  int                      `json:"cachedUsers"`
	DedupEntries int                      `json:"dedupEntries"`
	PendingUsers int                      `json:"pendingDigestUsers"`
	Schedules    []scheduler.ScheduleInfo `json:"schedules"`
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start. ctx bounds connection checks against external stores.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log)
	a := &App{
		cfgm:            cfgm,
		log:             log.With(logx.String("comp", "app")),
		logs:            logs,
		addr:            cfg.HTTP.Addr,
		shutdownTimeout: config.Duration(cfg.HTTP.ShutdownTimeout, defaultShutdownTimeout),
	}
	if err := a.build(ctx, cfg, log); err != nil {
		a.closeStores()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc := mapStorage(cfg)
	db, err := storage.Open(sc, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.db = db
	store, err := storage.OpenDedup(ctx, sc, db, log)
	if err != nil {
		return fmt.Errorf("dedup store: %w", err)
	}
	a.store = store

	a.bus = eventbus.New(log.With(logx.String("comp", "eventbus")))
	a.ingest = eventbus.NewQueue(a.bus, eventbus.DefaultQueueSize, log)
	a.users = directory.NewCache(db, log,
		directory.WithTTL(config.Duration(cfg.Notifier.UserTTL, defaultUserTTL)))
	dopts := []dedup.Option{dedup.WithWindow(config.Duration(cfg.Notifier.DedupWindow, defaultDedupWindow))}
	if store != nil {
		dopts = append(dopts, dedup.WithStore(store))
	}
	a.dedup = dedup.New(log, dopts...)
	a.mail = mailer.New(mapMail(cfg), log)
	a.hub = realtime.NewHub(mapRealtime(cfg), a.bus, log)

	deps := notifier.Deps{
		Bus:   a.bus,
		Users: a.users,
		Dedup: a.dedup,
		Push:  a.hub,
		Log:   log,
	}
	if cfg.Mail.Enabled {
		deps.Email = a.mail
	} else {
		a.log.Warn("mail disabled; notifications are delivered over realtime only")
	}
	a.notif, err = notifier.New(mapNotifier(cfg), deps)
	if err != nil {
		return err
	}

	a.checks = map[string]httpapi.Check{"storage": db.Ping}
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		a.checks["dedup"] = p.Ping
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Realtime:    a.hub,
		Ingest:      a.ingest,
		IngestToken: strings.TrimSpace(cfg.HTTP.IngestToken),
		Checks:      a.checks,
		Status:      func() any { return a.Status() },
		Log:         log,
	})
	a.pprof = pprof.New(mapPprof(cfg), log)
	a.http = httpapi.NewServer(router, config.Duration(cfg.HTTP.ReadTimeout, defaultReadTimeout), log)
	return nil
}

// Bus is the in-process event bus producers publish on.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Logger is the configured root logger.
func (a *App) Logger() logx.Logger { return a.log }

// Healthy runs the same dependency checks as GET /healthz.
func (a *App) Healthy(ctx context.Context) error {
	var errs []error
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.http.Addr() }

func (a *App) Status() Status {
	return Status{
		Realtime:     a.hub.Stats(),
		CachedUsers:  a.users.Len(),
		DedupEntries: a.dedup.Len(),
		PendingUsers: len(a.dedup.PendingUsers()),
		Schedules:    a.notif.Schedules(),
	}
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start initializes the notifier and opens the listener. A failure here is
// an initialization failure: nothing is left running.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.notif.Initialize(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	if err := a.http.Start(a.addr); err != nil {
		a.notif.Dispose(context.Background())
		a.sup.Cancel()
		return fmt.Errorf("http listen %s: %w", a.addr, err)
	}

	// Profiling is optional; a bad debug listener never blocks startup.
	if err := a.pprof.Start(a.sup.Context()); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	a.sup.Go0("ingest.publish", a.ingest.Run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return errors.Join(a.closeStores(), a.logs.Close())
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Ingress first so nothing new reaches the notifier while it drains.
	a.step(ctx, "http", a.shutdownTimeout, a.http.Shutdown)
	a.step(ctx, "ingest", 2*time.Second, func(c context.Context) error {
		select {
		case <-a.ingest.Done():
			return nil
		case <-c.Done():
			return fmt.Errorf("%d events not delivered: %w", a.ingest.Len(), c.Err())
		}
	})
	a.step(ctx, "realtime", 2*time.Second, func(context.Context) error { a.hub.Close(); return nil })
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Dispose(c); return nil })
	a.step(ctx, "pprof", time.Second, a.pprof.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStores() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	return errors.Join(errs...)
}
