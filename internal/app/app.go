// Package app wires configuration, logging, the ledger, the sink, the run
// core, and the outer surfaces (HTTP, schedules, notifications) into one
// process.
package app

import (
	"context"
	"fmt"
	"time"

	"burstpub/internal/config"
	"burstpub/internal/eventbus"
	"burstpub/internal/httpapi"
	"burstpub/internal/ledger"
	"burstpub/internal/notify"
	"burstpub/internal/observability/pprof"
	"burstpub/internal/run"
	rtsup "burstpub/internal/runtime/supervisor"
	"burstpub/internal/schedule"
	"burstpub/internal/sink"
	logx "burstpub/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store ledger.Store
	sink  sink.Sink

	coord *run.Coordinator
	api   *httpapi.Service
	sched *schedule.Service
	notif *notify.Service
	prof  *pprof.Service

	sup *rtsup.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	// Ledger (optional). Without it runs are memory-only.
	var store ledger.Store
	if lc, enabled, err := mapLedgerConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		store, err = ledger.Open(lc, log.With(logx.String("comp", "ledger")))
		if err != nil {
			return nil, err
		}
		log.Info("ledger enabled", logx.String("driver", lc.Driver))
	}

	skCfg, err := mapSinkConfig(cfg)
	if err != nil {
		return nil, err
	}
	sk, err := sink.Open(skCfg, log.With(logx.String("comp", "sink")))
	if err != nil {
		return nil, err
	}

	pubCfg, orchCfg, coordCfg, err := mapRunConfigs(cfg)
	if err != nil {
		return nil, err
	}
	pub := run.NewPublisher(pubCfg, sk, log.With(logx.String("comp", "publisher")), bus)
	orch := run.NewOrchestrator(orchCfg, pub, store, log.With(logx.String("comp", "orchestrator")), bus)
	coord := run.NewCoordinator(coordCfg, orch, store, log.With(logx.String("comp", "coordinator")), bus)

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := httpapi.New(srvCfg, coord, log)

	entries, err := mapScheduleEntries(cfg)
	if err != nil {
		return nil, err
	}
	sched := schedule.New(entries, coord, log)

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sender notify.Sender
	if ncfg.Enabled {
		sender, err = notify.NewTelegramSender(ncfg.Token, ncfg.ChatID)
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
	}
	notif := notify.New(ncfg, sender, bus, log)

	prof := pprof.New(mapPprofConfig(cfg), log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sink:    sk,
		coord:   coord,
		api:     api,
		sched:   sched,
		notif:   notif,
		prof:    prof,
	}, nil
}

// Done is closed when the app supervisor context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	// Notifier first so it observes every run the coordinator resumes.
	a.notif.Start(a.sup.Context())
	a.coord.Start(a.sup.Context())
	a.api.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.prof.Enabled() {
		a.prof.Start(a.sup.Context())
	}

	a.cfgm.SetOnChange(func(cfg *config.Config) { a.applyReload(a.sup.Context(), cfg) })
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("started")
	return nil
}

// applyReload applies what can change live: logging and the HTTP server.
// Sink, ledger, run, schedule, and notify changes need a restart.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if srvCfg, err := mapServerConfig(cfg); err != nil {
		a.log.Warn("invalid server config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, srvCfg)
	}

	if _, _, _, err := mapRunConfigs(cfg); err != nil {
		a.log.Warn("invalid runs config", logx.Err(err))
	} else {
		a.log.Info("runs/sink/ledger/schedule/notify config changes take effect after restart")
	}
}

// Stop drains in the reverse of start order: no new triggers, then no new
// submissions, then let in-flight runs finish.
func (a *App) Stop(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) <= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	a.sched.Stop(ctx)
	a.api.Stop(ctx)
	a.prof.Stop(ctx)
	a.coord.Stop(ctx)
	a.notif.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}

	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Warn("sink close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("ledger close failed", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
}
