package app

import (
	"context"
	"fmt"
	"time"

	"shopsync/internal/admin"
	"shopsync/internal/antibot"
	"shopsync/internal/backend"
	"shopsync/internal/config"
	"shopsync/internal/notify"
	"shopsync/internal/requestqueue"
	"shopsync/internal/scheduler"
	"shopsync/internal/session"
	"shopsync/internal/storage"
	"shopsync/internal/supervisor"
	"shopsync/internal/tasks"
	"shopsync/internal/upstream"
	logx "shopsync/pkg/logx"
)

// App owns construction and lifecycle of every component. Construction is
// network-free; Start brings the pieces up in dependency order and Stop
// tears them down in reverse.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	notif    *notify.Service
	brk      *antibot.Breaker
	queue    *requestqueue.Queue
	policies *requestqueue.StoreSource
	market   *upstream.Client
	be       *backend.Client
	sess     *session.Manager

	sched *scheduler.Service
	admin *admin.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateConfig)

	a := &App{cfgm: cfgm, log: log, logs: logSvc}
	if err := a.build(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	log := a.log

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	// Notifications (optional).
	var sink notify.Sink
	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return err
	}
	if ncfg.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:  cfg.Notify.Telegram.Token,
			ChatID: cfg.Notify.Telegram.ChatID,
		})
		if err != nil {
			return fmt.Errorf("telegram sink: %w", err)
		}
		sink = tg
	}
	a.notif = notify.New(ncfg, sink, log.With(logx.String("comp", "notify")))

	a.brk = antibot.New(store, a.notif, log.With(logx.String("comp", "antibot")))

	fallback, err := mapRateLimitPolicy(cfg)
	if err != nil {
		return err
	}
	a.policies = requestqueue.NewStoreSource(store, fallback, log.With(logx.String("comp", "ratelimit")))
	a.queue = requestqueue.New(a.policies, a.brk, log.With(logx.String("comp", "queue")))

	upTimeout, err := config.ParseDurationOrDefault("upstream.timeout", cfg.Upstream.Timeout, 30*time.Second)
	if err != nil {
		return err
	}
	a.market, err = upstream.New(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   upTimeout,
	}, log.With(logx.String("comp", "upstream")))
	if err != nil {
		return fmt.Errorf("upstream client: %w", err)
	}

	beTimeout, err := config.ParseDurationOrDefault("backend.timeout", cfg.Backend.Timeout, 10*time.Second)
	if err != nil {
		return err
	}
	beTTL, err := config.ParseDurationOrDefault("backend.shop_cache_ttl", cfg.Backend.ShopCacheTTL, 5*time.Minute)
	if err != nil {
		return err
	}
	a.be, err = backend.New(backend.Config{
		BaseURL:      cfg.Backend.BaseURL,
		APIToken:     cfg.Backend.APIToken,
		Timeout:      beTimeout,
		ShopCacheTTL: beTTL,
	}, log.With(logx.String("comp", "backend")))
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}

	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return err
	}
	switcher := &session.CookieSwitcher{Cookies: a.market, Tokens: a.be}
	a.sess = session.NewManager(sessCfg, switcher, a.probe, log.With(logx.String("comp", "session")))

	loc := time.Local
	if tz := cfg.Scheduler.Timezone; tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	clock := func() time.Time { return time.Now().In(loc) }

	taskList, resetters, err := a.buildTasks(cfg, clock)
	if err != nil {
		return err
	}

	interval, err := config.ParseDurationOrDefault("scheduler.interval", cfg.Scheduler.Interval, 15*time.Minute)
	if err != nil {
		return err
	}
	runner := scheduler.NewRunner(taskList, a.be, a.sess, clock, log.With(logx.String("comp", "scheduler")))
	a.sched = scheduler.NewService(scheduler.ServiceConfig{
		Enabled:     cfg.Scheduler.Enabled,
		Interval:    interval,
		HistorySize: cfg.Scheduler.HistorySize,
	}, runner, log.With(logx.String("comp", "scheduler")))

	if cfg.Admin != nil && cfg.Admin.Enabled {
		a.admin = admin.New(admin.Config{
			Enabled: true,
			Addr:    cfg.Admin.Addr,
		}, a.sched, a.brk, a.queue, resetters, log.With(logx.String("comp", "admin")))
	}
	return nil
}

// probe checks that the freshly switched identity is honored: the seller
// dashboard must answer 2xx. Routed through the queue so cadence and the
// breaker apply to probing as well.
func (a *App) probe(ctx context.Context) error {
	return a.queue.Execute(ctx, func(ctx context.Context) error {
		resp, err := a.market.Do(ctx, &upstream.Request{Method: "GET", Path: "/seller/dashboard"})
		if err != nil {
			return err
		}
		return upstream.Classify(resp)
	})
}

func (a *App) buildTasks(cfg *config.Config, clock scheduler.Clock) ([]scheduler.RecurringTask, map[string]tasks.Resetter, error) {
	exec := &tasks.Exec{Queue: a.queue, Upstream: a.market, Breaker: a.brk}
	var list []scheduler.RecurringTask
	resetters := map[string]tasks.Resetter{}

	if cfg.Tasks.Crosspost.Enabled {
		h, m, err := parseNotBefore("tasks.crosspost.not_before", cfg.Tasks.Crosspost.NotBefore, 6, 10)
		if err != nil {
			return nil, nil, err
		}
		t := tasks.NewCrosspost(tasks.CrosspostConfig{
			NotBeforeHour:   h,
			NotBeforeMinute: m,
			MaxListings:     cfg.Tasks.Crosspost.MaxListings,
		}, a.store, exec, a.be, clock, a.log.With(logx.String("task", tasks.CrosspostName)))
		list = append(list, t)
		resetters[t.Name()] = t
	}

	if cfg.Tasks.PriceSync.Enabled {
		iv, err := config.ParseDurationOrDefault("tasks.pricesync.min_interval", cfg.Tasks.PriceSync.MinInterval, time.Hour)
		if err != nil {
			return nil, nil, err
		}
		t := tasks.NewPriceSync(tasks.PriceSyncConfig{MinInterval: iv},
			a.store, exec, a.be, a.be, clock, a.log.With(logx.String("task", tasks.PriceSyncName)))
		list = append(list, t)
		resetters[t.Name()] = t
	}

	if cfg.Tasks.StockAudit.Enabled {
		iv, err := config.ParseDurationOrDefault("tasks.stockaudit.min_interval", cfg.Tasks.StockAudit.MinInterval, 6*time.Hour)
		if err != nil {
			return nil, nil, err
		}
		h, m, err := parseNotBefore("tasks.stockaudit.not_before", cfg.Tasks.StockAudit.NotBefore, 5, 0)
		if err != nil {
			return nil, nil, err
		}
		t := tasks.NewStockAudit(tasks.StockAuditConfig{
			MinInterval:     iv,
			NotBeforeHour:   h,
			NotBeforeMinute: m,
		}, a.store, exec, clock, a.log.With(logx.String("task", tasks.StockAuditName)))
		list = append(list, t)
		resetters[t.Name()] = t
	}

	return list, resetters, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
	)

	if err := a.brk.Load(ctx); err != nil {
		return fmt.Errorf("load breaker state: %w", err)
	}
	if inc, ok := a.brk.Incident(); ok {
		a.log.Warn("starting with open antibot incident; requests are paused",
			logx.String("incident_id", inc.IncidentID))
	}

	a.notif.Start(a.sup.Context())
	a.queue.Start(a.sup.Context())

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.admin != nil {
		if err := a.admin.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start admin: %w", err)
		}
	}

	// Config hot reload: watcher self-heals, subscriber applies what can
	// change at runtime.
	a.sup.GoRestart("config-watch", a.cfgm.Watch, time.Second, 30*time.Second)
	updates := a.cfgm.Subscribe(1)
	a.sup.Go("config-apply", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-updates:
				if !ok {
					return nil
				}
				a.applyConfig(cfg)
			}
		}
	})

	a.log.Info("started")
	return nil
}

// applyConfig handles runtime-changeable settings. Anything structural
// (storage path, endpoints, task set) needs a restart and is only logged.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if fallback, err := mapRateLimitPolicy(cfg); err == nil {
		a.policies.SetFallback(fallback)
	} else {
		// Watch() validates before publishing, so this should not happen.
		a.log.Warn("ratelimit defaults not applied", logx.Err(err))
	}
	a.log.Info("config reloaded", logx.String("level", cfg.Logging.Level))
}

func (a *App) Stop(ctx context.Context) {
	if a.admin != nil {
		a.admin.Stop(ctx)
	}
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	if a.queue != nil {
		a.queue.Stop(ctx)
	}
	if a.notif != nil {
		a.notif.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		if !a.sup.Wait(10 * time.Second) {
			a.log.Warn("shutdown timed out waiting for goroutines")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
}
