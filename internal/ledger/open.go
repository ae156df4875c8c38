package ledger

import (
	"context"
	"errors"
	"strings"

	logx "burstpub/pkg/logx"
)

// Store is the persisted run/task ledger.
//
// Task outcomes are written once per branch when the branch reaches a
// terminal state; a recorded outcome (either way) is kept across restarts so
// resumed runs re-dispatch only branches without one.
type Store interface {
	CreateRun(ctx context.Context, r RunRecord) error
	FinishRun(ctx context.Context, runID string, ok bool, diagnostic string) error

	// CreateTasks records that fan-out for the run has been issued. It is
	// called before any branch starts; an error here aborts the run.
	CreateTasks(ctx context.Context, runID string, n int) error
	MarkTask(ctx context.Context, runID string, t TaskOutcome) error
	// TaskOutcomes returns the recorded terminal outcomes for a run, keyed
	// by task index.
	TaskOutcomes(ctx context.Context, runID string) (map[int]TaskOutcome, error)

	// GetRun fetches one run record; ok is false when the run is unknown.
	GetRun(ctx context.Context, runID string) (r RunRecord, ok bool, err error)
	// UnfinishedRuns lists runs that never reached a terminal status, oldest
	// first. Used to resume after a restart.
	UnfinishedRuns(ctx context.Context) ([]RunRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the ledger is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown ledger driver: " + driver)
	}
}
