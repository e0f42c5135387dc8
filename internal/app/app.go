package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"funnelbot/internal/broadcast"
	"funnelbot/internal/catalog"
	"funnelbot/internal/config"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/funnel"
	"funnelbot/internal/ledger"
	"funnelbot/internal/runtime/supervisor"
	kit "funnelbot/internal/transport"
	teleadapter "funnelbot/internal/transport/telegram/adapter"
	"funnelbot/internal/transport/telegram/router"
	logx "funnelbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter *teleadapter.Adapter
	bus     eventbus.Bus

	cat   *catalog.Service
	store ledger.Store
	fun   *funnel.Service
	bcast *broadcast.Service

	cmdm *router.CommandManager
	serv *router.Services

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("info").With(logx.String("comp", "telegram"))
	ad, err := teleadapter.New(teleadapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
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
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, ad)
	log = log.With(logx.String("comp", "app"))

	if chatID := parseChatID(cfg.Telegram.GroupLog); chatID != 0 {
		logSvc.SetTelegramTarget(chatID)
	}

	bus := eventbus.New()

	catCfg, err := cfg.CatalogService()
	if err != nil {
		return nil, err
	}
	catSvc := catalog.New(catCfg, log.With(logx.String("comp", "catalog")))

	ledCfg, err := cfg.LedgerService()
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(ledCfg, log.With(logx.String("comp", "ledger")))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	funCfg, err := cfg.FunnelService()
	if err != nil {
		return nil, err
	}
	funSvc := funnel.New(funCfg, catSvc, ad, store, bus, log.With(logx.String("comp", "funnel")))

	bcastSvc := broadcast.New(cfg.BroadcastService(), ad, store, log.With(logx.String("comp", "broadcast")))

	serv := &router.Services{
		Funnel:    funSvc,
		Broadcast: bcastSvc,
	}

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		bus:     bus,
		cat:     catSvc,
		store:   store,
		fun:     funSvc,
		bcast:   bcastSvc,
		cmdm:    cmdm,
		serv:    serv,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	a.serv.AppSupervisor = a.sup
	cmds, cbs := router.Registry(a.serv)
	a.cmdm.SetRegistry(cmds, cbs)
	a.cmdm.SetFallback(router.Fallback(a.serv))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if err := a.cat.Start(); err != nil {
		return fmt.Errorf("start catalog: %w", err)
	}

	if a.bcast.Enabled() {
		a.bcast.Start(a.sup.Context())
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.watchEvents()
	a.watchConfig()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// watchEvents mirrors funnel lifecycle events into the debug log so an
// operator tailing the log can follow every delivery decision.
func (a *App) watchEvents() {
	sub, unsubscribe := a.bus.Subscribe(64)
	a.sup.Go0("events.log", func(c context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	})
}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				a.applyConfig(newCfg, sections)
				a.log.Info("config reloaded",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			}
		}
	})
}

func (a *App) applyConfig(cfg *config.Config, sections []string) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	// allow clearing the target via hot-reload
	a.logs.SetTelegramTarget(parseChatID(cfg.Telegram.GroupLog))

	// Update owner list used for AccessOwnerOnly checks.
	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)

	if catCfg, err := cfg.CatalogService(); err != nil {
		a.log.Warn("catalog section not applied", logx.Err(err))
	} else if err := a.cat.Apply(catCfg); err != nil {
		a.log.Warn("catalog section not applied", logx.Err(err))
	}

	if funCfg, err := cfg.FunnelService(); err != nil {
		a.log.Warn("funnel section not applied", logx.Err(err))
	} else {
		a.fun.Apply(funCfg)
	}

	prevBcast := a.bcast.Enabled()
	a.bcast.Apply(cfg.BroadcastService())
	if !prevBcast && a.bcast.Enabled() {
		a.bcast.Start(a.sup.Context())
	}

	// The ledger driver owns file handles and connection pools; swapping it
	// under live deliveries is not worth the complexity.
	for _, s := range sections {
		if s == "ledger" {
			a.log.Warn("ledger config changed; restart required to take effect")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("funnel", 2*time.Second, func(context.Context) error { a.fun.Stop(); return nil })
	step("broadcast", 2*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	step("catalog", 2*time.Second, func(context.Context) error { a.cat.Stop(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if a.store != nil {
		step("ledger", 2*time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func parseChatID(raw string) int64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
