package ledger

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("ledger disabled")

// Config configures the ledger.
//
// Driver values:
//   - "file": dependency-free file backend (journal + snapshot)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", the ledger is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Run statuses. A run is either still running or terminal.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// RunRecord is the persisted view of one run.
// Keep it compact and schema-stable.
type RunRecord struct {
	RunID        string
	MessageCount int
	WorkTime     int
	Status       string
	Diagnostic   string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// TaskOutcome is the recorded terminal state of one fan-out branch.
type TaskOutcome struct {
	Index    int
	OK       bool
	Attempts int
}
