// Package app assembles the bot: config, logging, storage, the job poller
// and the raid services, with systemd readiness notification and config
// hot-reload.
package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"gorm.io/gorm"

	"raidbot/internal/authz"
	"raidbot/internal/config"
	"raidbot/internal/health"
	"raidbot/internal/jobqueue"
	"raidbot/internal/notify"
	"raidbot/internal/raid"
	"raidbot/internal/storage"
	"raidbot/internal/transport"
	"raidbot/internal/transport/telegram"
	logx "raidbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	db     *gorm.DB
	queue  *jobqueue.Queue
	poller *jobqueue.Poller

	roster    *raid.Roster
	lifecycle *raid.Lifecycle
	awarder   *raid.Awarder
	notif     *notify.Service
	health    *health.Server

	watchCancel context.CancelFunc
	watchDone   chan struct{}
	cfgCh       chan *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Platform adapter. Without telegram the bot still schedules and
	// mutates rosters, it just says nothing.
	var (
		msg    transport.Messenger = transport.NopMessenger{}
		roles  transport.RoleChecker
		sender logx.ChatSender
	)
	if cfg.Telegram.Enabled {
		bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
		pollTimeout, err := config.ParseDurationOrDefault(
			"telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			Timeout: pollTimeout,
		}, bootLog)
		if err != nil {
			return nil, err
		}
		msg, roles, sender = ad, ad, ad
	}

	logSvc, log := logx.New(mapLogConfig(cfg.Logging), sender)
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	queueCfg, err := mapQueueConfig(cfg.Queue)
	if err != nil {
		return nil, err
	}
	queue := jobqueue.New(db, log.With(logx.String("comp", "queue")))
	poller := jobqueue.NewPoller(queueCfg, db, log.With(logx.String("comp", "poller")))

	notifSvc := notify.New(notify.Config{
		QueueSize:  cfg.Notify.QueueSize,
		Workers:    cfg.Notify.Workers,
		RatePerSec: cfg.Notify.RatePerSec,
	}, msg, db, log.With(logx.String("comp", "notify")))

	// Without a role source everyone may manage raids. Acceptable for
	// headless and test runs, never for a real deployment.
	var gate raid.Authorizer
	if roles != nil {
		gate = authz.New(db, roles)
	}

	roster := raid.NewRoster(db, log.With(logx.String("comp", "roster")), notifSvc, gate)
	lifecycle := raid.NewLifecycle(db, queue, log.With(logx.String("comp", "raid")), gate)
	awarder := raid.NewAwarder(db, transport.NopPresence{}, notifSvc, log.With(logx.String("comp", "points")))

	raid.RegisterHandlers(poller, raid.HandlerDeps{
		DB:       db,
		Queue:    queue,
		Msg:      msg,
		Channels: transport.NopChannelManager{},
		Presence: transport.NopPresence{},
		Awarder:  awarder,
		Notifier: notifSvc,
		Log:      log.With(logx.String("comp", "jobs")),
	})
	poller.BeforePoll(lifecycle.AutoLockSweep)

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		db:        db,
		queue:     queue,
		poller:    poller,
		roster:    roster,
		lifecycle: lifecycle,
		awarder:   awarder,
		notif:     notifSvc,
		health:    health.New(db, log),
	}, nil
}

// Roster exposes the roster service to command frontends.
func (a *App) Roster() *raid.Roster { return a.roster }

// Lifecycle exposes the raid lifecycle service to command frontends.
func (a *App) Lifecycle() *raid.Lifecycle { return a.lifecycle }

// Awarder exposes the points service to command frontends.
func (a *App) Awarder() *raid.Awarder { return a.awarder }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.notif.Start(ctx)
	a.poller.Start(ctx)
	a.health.Apply(ctx, health.Config{Enabled: cfg.Health.Enabled, Addr: cfg.Health.Addr})

	// config hot reload
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	a.cfgCh = a.cfgm.Subscribe(1)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	go func() {
		defer close(a.watchDone)
		_ = a.cfgm.Watch(watchCtx)
	}()
	go a.reloadLoop(watchCtx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

// reloadLoop applies the hot-reloadable subset of the config: log levels
// and sinks, and the health listener. Storage, queue and platform settings
// need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.logs.Apply(mapLogConfig(cfg.Logging))
			a.health.Apply(ctx, health.Config{Enabled: cfg.Health.Enabled, Addr: cfg.Health.Addr})
			a.log.Info("runtime config applied")
		}
	}
}

func (a *App) Stop(ctx context.Context) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.watchCancel != nil {
		a.watchCancel()
		select {
		case <-a.watchDone:
		case <-ctx.Done():
		}
		a.cfgm.Unsubscribe(a.cfgCh)
	}

	a.poller.Stop(ctx)
	a.notif.Stop(ctx)
	a.health.Stop(ctx)

	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
}

func mapLogConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			ChannelID:  lc.Chat.ChannelID,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapQueueConfig(qc config.QueueConfig) (jobqueue.Config, error) {
	var (
		out jobqueue.Config
		err error
	)
	if out.PollInterval, err = config.ParseDurationField("queue.poll_interval", qc.PollInterval); err != nil {
		return out, err
	}
	if out.LeaseTimeout, err = config.ParseDurationField("queue.lease_timeout", qc.LeaseTimeout); err != nil {
		return out, err
	}
	if out.BackoffStep, err = config.ParseDurationField("queue.backoff_step", qc.BackoffStep); err != nil {
		return out, err
	}
	if out.BackoffCap, err = config.ParseDurationField("queue.backoff_cap", qc.BackoffCap); err != nil {
		return out, err
	}
	out.BatchSize = qc.BatchSize
	return out, nil
}
