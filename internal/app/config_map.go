package app

import (
	"fmt"
	"strings"
	"time"

	"burstpub/internal/config"
	"burstpub/internal/httpapi"
	"burstpub/internal/ledger"
	"burstpub/internal/notify"
	"burstpub/internal/observability/pprof"
	"burstpub/internal/run"
	"burstpub/internal/schedule"
	"burstpub/internal/sink"
	logx "burstpub/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapServerConfig(cfg *config.Config) (httpapi.Config, error) {
	sc := cfg.Server
	enabled := true
	if sc.Enabled != nil {
		enabled = *sc.Enabled
	}
	defaultWait, err := config.DurationField("server.default_wait", sc.DefaultWait)
	if err != nil {
		return httpapi.Config{}, err
	}
	readTO, err := config.DurationField("server.read_timeout", sc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	writeTO, err := config.DurationField("server.write_timeout", sc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idleTO, err := config.DurationFieldDefault("server.idle_timeout", sc.IdleTimeout, time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      enabled,
		Addr:         sc.Addr,
		DefaultWait:  defaultWait,
		ReadTimeout:  readTO,
		WriteTimeout: writeTO,
		IdleTimeout:  idleTO,
	}, nil
}

func mapSinkConfig(cfg *config.Config) (sink.Config, error) {
	sc := cfg.Sink
	timeout, err := config.DurationField("sink.timeout", sc.Timeout)
	if err != nil {
		return sink.Config{}, err
	}
	if sc.RatePerSec < 0 {
		return sink.Config{}, fmt.Errorf("sink.rate_per_sec must be >= 0")
	}
	return sink.Config{
		Driver:     sc.Driver,
		Endpoint:   sc.Endpoint,
		KeyHeader:  sc.KeyHeader,
		Key:        sc.Key,
		Timeout:    timeout,
		RatePerSec: sc.RatePerSec,
	}, nil
}

func mapRunConfigs(cfg *config.Config) (run.PublisherConfig, run.OrchestratorConfig, run.CoordinatorConfig, error) {
	rc := cfg.Runs
	var zeroPub run.PublisherConfig
	var zeroOrch run.OrchestratorConfig
	var zeroCoord run.CoordinatorConfig

	if rc.Attempts < 0 {
		return zeroPub, zeroOrch, zeroCoord, fmt.Errorf("runs.attempts must be >= 0")
	}
	if rc.MaxParallel < 0 {
		return zeroPub, zeroOrch, zeroCoord, fmt.Errorf("runs.max_parallel must be >= 0")
	}
	if rc.HistorySize < 0 {
		return zeroPub, zeroOrch, zeroCoord, fmt.Errorf("runs.history_size must be >= 0")
	}
	backoff, err := config.DurationField("runs.retry_backoff", rc.RetryBackoff)
	if err != nil {
		return zeroPub, zeroOrch, zeroCoord, err
	}
	backoffMax, err := config.DurationField("runs.retry_backoff_max", rc.RetryBackoffMax)
	if err != nil {
		return zeroPub, zeroOrch, zeroCoord, err
	}
	ceiling, err := config.DurationField("runs.await_ceiling", rc.AwaitCeiling)
	if err != nil {
		return zeroPub, zeroOrch, zeroCoord, err
	}

	pub := run.PublisherConfig{Attempts: rc.Attempts, Backoff: backoff, BackoffMax: backoffMax}
	orch := run.OrchestratorConfig{MaxParallel: rc.MaxParallel}
	coord := run.CoordinatorConfig{AwaitCeiling: ceiling, HistorySize: rc.HistorySize}
	return pub, orch, coord, nil
}

// mapLedgerConfig returns enabled=false when the section is absent or the
// driver is "none".
func mapLedgerConfig(cfg *config.Config) (ledger.Config, bool, error) {
	if cfg.Ledger == nil {
		return ledger.Config{}, false, nil
	}
	lc := cfg.Ledger
	driver := strings.ToLower(strings.TrimSpace(lc.Driver))
	if driver == "" || driver == "none" {
		return ledger.Config{}, false, nil
	}
	busy, err := config.DurationField("ledger.busy_timeout", lc.BusyTimeout)
	if err != nil {
		return ledger.Config{}, false, err
	}
	switch driver {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(lc.Path) == "" {
			return ledger.Config{}, false, fmt.Errorf("ledger.path is required when ledger.driver=%s", driver)
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(lc.DSN) == "" {
			return ledger.Config{}, false, fmt.Errorf("ledger.dsn is required when ledger.driver=postgres")
		}
	default:
		return ledger.Config{}, false, fmt.Errorf("unknown ledger.driver: %s", lc.Driver)
	}
	return ledger.Config{Driver: driver, Path: lc.Path, DSN: lc.DSN, BusyTimeout: busy}, true, nil
}

func mapScheduleEntries(cfg *config.Config) ([]schedule.Entry, error) {
	entries := make([]schedule.Entry, 0, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			name = fmt.Sprintf("schedule[%d]", i)
		}
		if _, err := schedule.ParseSpec(sc.Spec); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if sc.MessageCount < 0 {
			return nil, fmt.Errorf("%s: message_count must be >= 0", name)
		}
		entries = append(entries, schedule.Entry{
			Name:         name,
			Spec:         sc.Spec,
			MessageCount: sc.MessageCount,
			WorkTime:     sc.WorkTime,
		})
	}
	return entries, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	if cfg.Pprof == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg.Notify == nil {
		return notify.Config{}, nil
	}
	nc := cfg.Notify
	if nc.Enabled {
		if strings.TrimSpace(nc.Token) == "" {
			return notify.Config{}, fmt.Errorf("notify.token is required when notify.enabled=true")
		}
		if nc.ChatID == 0 {
			return notify.Config{}, fmt.Errorf("notify.chat_id is required when notify.enabled=true")
		}
	}
	if nc.RatePerSec < 0 {
		return notify.Config{}, fmt.Errorf("notify.rate_per_sec must be >= 0")
	}
	return notify.Config{
		Enabled:    nc.Enabled,
		Token:      nc.Token,
		ChatID:     nc.ChatID,
		OnSuccess:  nc.OnSuccess,
		RatePerSec: nc.RatePerSec,
	}, nil
}
