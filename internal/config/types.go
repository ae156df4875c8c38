package config

// Config is the root configuration. It is decoded strictly
// (DisallowUnknownFields) from a JSON or YAML file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Server  ServerConfig  `json:"server"`
	Sink    SinkConfig    `json:"sink"`
	Runs    RunsConfig    `json:"runs"`

	Ledger    *LedgerConfig    `json:"ledger,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Notify    *NotifyConfig    `json:"notify,omitempty"`
	Pprof     *PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig controls the HTTP entry point.
//
// DefaultWait is how long a POST blocks for the run to finish before
// answering 202; it is capped by runs.await_ceiling.
type ServerConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"` // default true
	Addr        string `json:"addr,omitempty"`    // default "127.0.0.1:8080"
	DefaultWait string `json:"default_wait,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SinkConfig selects and configures the event sink.
//
// Driver values:
//   - "http": POST each message as JSON to Endpoint
//   - "memory": in-process capture (dry runs, tests)
type SinkConfig struct {
	Driver string `json:"driver"`

	Endpoint   string `json:"endpoint,omitempty"`
	KeyHeader  string `json:"key_header,omitempty"` // header name for the API key
	Key        string `json:"key,omitempty"`        // do not log
	Timeout    string `json:"timeout,omitempty"`    // per-request, default "10s"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// RunsConfig controls the orchestration core.
//
// Defaults (when fields are omitted/zero):
//   - attempts: 10 (total attempts per message, including the first)
//   - retry_backoff: "0s" (no delay between attempts)
//   - max_parallel: 0 (unbounded fan-out)
//   - await_ceiling: "2m"
//   - history_size: 200
type RunsConfig struct {
	Attempts        int    `json:"attempts,omitempty"`
	RetryBackoff    string `json:"retry_backoff,omitempty"`
	RetryBackoffMax string `json:"retry_backoff_max,omitempty"`
	MaxParallel     int    `json:"max_parallel,omitempty"`
	AwaitCeiling    string `json:"await_ceiling,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// LedgerConfig controls the persisted run/task ledger.
//
// Driver values:
//   - "file": dependency-free journal + snapshot
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If the section is omitted or Driver is empty/"none", the ledger is
// disabled: runs are memory-only and do not survive a restart.
type LedgerConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres only; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ScheduleConfig describes one recurring run trigger.
//
// Spec accepts a standard 5-field cron expression ("*/5 * * * *") or a plain
// Go duration interval ("10m").
type ScheduleConfig struct {
	Name         string `json:"name"`
	Spec         string `json:"spec"`
	MessageCount int    `json:"message_count"`
	WorkTime     int    `json:"work_time,omitempty"`
}

// PprofConfig controls the optional profiling server. Non-loopback binds
// need a token or an explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// NotifyConfig controls Telegram notifications of terminal run results.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"` // do not log
	ChatID     int64  `json:"chat_id"`
	OnSuccess  bool   `json:"on_success,omitempty"` // also notify successful runs
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
