package app

import (
	logx "chatbridge/pkg/logx"
	"context"
	"fmt"
	"strings"
	"time"

	"chatbridge/internal/backup"
	"chatbridge/internal/broker"
	"chatbridge/internal/commands"
	"chatbridge/internal/config"
	"chatbridge/internal/eventbus"
	"chatbridge/internal/relay"
	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/internal/storage"
	kit "chatbridge/internal/transport"
	"chatbridge/internal/transport/discord"
	"chatbridge/internal/transport/telegram"
	"chatbridge/pkg/systemd"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	broker   *broker.Broker
	adapters *kit.Registry
	relay    *relay.Service
	cmds     *commands.Dispatcher
	backup   *backup.Service
	sd       *systemd.Notifier

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink needs an adapter, so logging starts without it and is
	// re-applied once the adapters exist.
	logCfg, logTarget := mapLoggingConfig(cfg.Logging)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logs, log := logx.New(bootCfg)

	adapters := kit.NewRegistry()
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tc, err := mapTelegramConfig(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		adapters.Register(ad)
	}
	if strings.TrimSpace(cfg.Discord.Token) != "" {
		dc, err := mapDiscordConfig(cfg.Discord)
		if err != nil {
			return nil, err
		}
		ad, err := discord.New(dc, log.With(logx.String("comp", "discord")))
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		adapters.Register(ad)
	}

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logs,
		bus:      eventbus.New(),
		adapters: adapters,
		sd:       systemd.New(log.With(logx.String("comp", "systemd"))),
		updates:  make(chan kit.Update, 256),
	}
	a.applyLogging(logCfg, logTarget)

	sc, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	a.broker = broker.New(a.store, broker.WithLogger(log.With(logx.String("comp", "broker"))))

	rc, err := mapRelayConfig(cfg.Relay)
	if err != nil {
		return nil, err
	}
	a.relay = relay.New(rc, a.broker, adapters, a.store, a.bus, log.With(logx.String("comp", "relay")))

	cc, err := mapCommandsConfig(cfg.Commands)
	if err != nil {
		return nil, err
	}
	a.cmds = commands.New(cc, a.broker, a.relay, adapters, log.With(logx.String("comp", "commands")))
	a.backup = backup.New(mapBackupConfig(cfg.Backup), a.broker, a.bus, log.With(logx.String("comp", "backup")))
	return a, nil
}

// applyLogging points the chat sink at the adapter for target's platform
// before applying cfg.
func (a *App) applyLogging(cfg logx.Config, target kit.ChatKey) {
	if cfg.Chat.Enabled {
		ad, ok := a.adapters.Get(target.Platform)
		if !ok {
			a.log.Warn("log chat target has no adapter; chat logging disabled", logx.Stringer("target", target))
			cfg.Chat.Enabled = false
		} else {
			a.logs.SetChatSender(ad)
		}
	}
	a.logs.Apply(cfg)
}

// Done is closed when the app supervisor context is canceled.
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// The relay outlives the supervisor context so Stop can drain it.
	if err := a.relay.Start(context.WithoutCancel(a.sup.Context())); err != nil {
		return err
	}
	for _, ad := range a.adapters.All() {
		if err := ad.Start(a.sup.Context(), a.updates); err != nil {
			return fmt.Errorf("start %s adapter: %w", ad.Platform(), err)
		}
		a.log.Info("adapter started", logx.String("platform", ad.Platform()))
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.Run(c, a.updates)
	})

	if err := a.backup.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.reload(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("relaying across %d platform(s)", len(a.adapters.All())))
	a.log.Info("app started")
	return nil
}

// reload applies the live-reloadable sections of next.
func (a *App) reload(prev, next *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.Restart[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	logCfg, target := mapLoggingConfig(next.Logging)
	a.applyLogging(logCfg, target)

	if rc, err := mapRelayConfig(next.Relay); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.relay.Apply(rc)
	}
	if cc, err := mapCommandsConfig(next.Commands); err != nil {
		a.log.Warn("invalid commands config; keeping previous", logx.Err(err))
	} else {
		a.cmds.Apply(cc)
	}
	if err := a.backup.Apply(mapBackupConfig(next.Backup)); err != nil {
		a.log.Warn("invalid backup config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "backup", time.Second, func(c context.Context) error { a.backup.Stop(c); return nil })
	// Drain pending deliveries while the adapters can still send.
	a.step(ctx, "relay", 5*time.Second, func(c context.Context) error { a.relay.Stop(c); return nil })
	for _, ad := range a.adapters.All() {
		a.step(ctx, "adapter."+ad.Platform(), 3*time.Second, ad.Stop)
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	started, active := a.sup.Counters()
	a.log.Info("stopped", logx.Uint64("goroutines_started", started), logx.Int64("goroutines_active", active))
	return a.logs.Close()
}

// step runs one shutdown step bounded by limit and the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
