// Package app assembles the bot: config, logging, storage, the clash API
// client, the tracker pipeline, the poll scheduler and the Telegram surface.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/mprokhorov/clashwardenbot-sub000/internal/clash"
	"github.com/mprokhorov/clashwardenbot-sub000/internal/config"
	"github.com/mprokhorov/clashwardenbot-sub000/internal/services/notify"
	"github.com/mprokhorov/clashwardenbot-sub000/internal/services/poller"
	"github.com/mprokhorov/clashwardenbot-sub000/internal/storage"
	"github.com/mprokhorov/clashwardenbot-sub000/internal/tracker"
	"github.com/mprokhorov/clashwardenbot-sub000/internal/transport/telegram"
	"github.com/mprokhorov/clashwardenbot-sub000/pkg/logx"
)

type App struct {
	cfgPath string

	logSvc *logx.Service
	log    logx.Logger

	db      *storage.DB
	adapter *telegram.Adapter
	notify  *notify.Service
	poller  *poller.Service

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopFns  []func(context.Context)
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))

	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, err
	}

	client, err := clash.New(clash.Config{
		BaseURL: cfg.Clash.BaseURL,
		Tokens:  cfg.Clash.Tokens,
		Timeout: cfg.Clash.Timeout.Std(),
	}, log.With(logx.String("component", "clash")))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeout.Std(),
	}, log.With(logx.String("component", "telegram")))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	notifySvc := notify.New(notify.Config{
		RatePerSec: cfg.Notify.RatePerSec,
		RetryMax:   cfg.Notify.RetryMax,
		RetryBase:  cfg.Notify.RetryBase.Std(),
	}, adapter, db, log.With(logx.String("component", "notify")))

	pipeline := tracker.NewPipeline(client, db, notifySvc, log.With(logx.String("component", "tracker")))

	pollSvc := poller.New(poller.Config{
		Interval: cfg.Poller.Interval.Std(),
		Shard:    cfg.Poller.Shard,
		Shards:   cfg.Poller.Shards,
		Clans:    cfg.Clans,
	}, pipeline, log.With(logx.String("component", "poller")))

	router := telegram.NewRouter(db, cfg.Clans, log.With(logx.String("component", "commands")))
	router.Register(adapter.Bot())

	return &App{
		cfgPath: cfgPath,
		logSvc:  logSvc,
		log:     log,
		db:      db,
		adapter: adapter,
		notify:  notifySvc,
		poller:  pollSvc,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.adapter.Start(ctx)
	if err := a.poller.Start(ctx); err != nil {
		return err
	}
	a.stopFns = append(a.stopFns,
		a.poller.Stop,
		a.adapter.Stop,
	)

	// Config hot-reload: cadence, notify limits and log level apply live.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := config.Watch(ctx, a.cfgPath, a.log.With(logx.String("component", "config")), func(cfg *config.Config) {
			a.apply(ctx, cfg)
		})
		if err != nil && ctx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	// First cycle immediately so a restart never waits a full interval.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.poller.RunOnce(ctx); err != nil {
			a.log.Warn("initial poll finished with errors", logx.Err(err))
		}
	}()

	a.startWatchdog(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("bot started")
	return nil
}

func (a *App) apply(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logConfig(cfg))
	a.notify.Apply(notify.Config{
		RatePerSec: cfg.Notify.RatePerSec,
		RetryMax:   cfg.Notify.RetryMax,
		RetryBase:  cfg.Notify.RetryBase.Std(),
	})
	if err := a.poller.Apply(ctx, poller.Config{
		Interval: cfg.Poller.Interval.Std(),
		Shard:    cfg.Poller.Shard,
		Shards:   cfg.Poller.Shards,
		Clans:    cfg.Clans,
	}); err != nil {
		a.log.Warn("poller config not applied", logx.Err(err))
	}
}

// startWatchdog pings systemd's watchdog at half the configured interval,
// when one is set for the unit.
func (a *App) startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func (a *App) Stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		for _, fn := range a.stopFns {
			fn(ctx)
		}
		a.wg.Wait()
		if err := a.db.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.log.Info("bot stopped")
		_ = a.logSvc.Close()
	})
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	}
}
