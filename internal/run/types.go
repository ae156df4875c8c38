// Package run is the orchestration core: it fans a requested message count
// out into independent publish branches, fans the outcomes back in, and
// reduces them to one terminal result per run.
package run

import (
	"errors"
	"time"

	"burstpub/internal/sink"
)

var (
	// ErrInvalidRequest marks input rejected before any orchestration starts.
	ErrInvalidRequest = errors.New("invalid run request")
	ErrUnknownRun     = errors.New("unknown run")
	ErrStopped        = errors.New("coordinator stopped")
)

// Request describes one requested run. Immutable once created.
//
// WorkTime is an opaque per-message hint carried into the published payload
// for the consumer side; burstpub itself does not act on it.
type Request struct {
	MessageCount int
	WorkTime     int
}

// Task is one fan-out branch: publish one message for one index.
// Ephemeral; exists only for the duration of one orchestration.
type Task struct {
	Index    int
	RunID    string
	WorkTime int
}

// messageContent is the fixed payload body shared by every published message.
const messageContent = "bulk publish test event"

func newMessage(t Task) sink.Message {
	return sink.Message{
		Content:   messageContent,
		MessageID: t.Index,
		RunID:     t.RunID,
		WorkTime:  t.WorkTime,
	}
}

// Result is the terminal, immutable outcome of a whole run: success, or a
// failure with a diagnostic. It is the only externally visible artifact of
// the orchestration.
type Result struct {
	RunID      string
	OK         bool
	Diagnostic string

	// FailedIndexes lists the branches that exhausted their attempts.
	// Diagnostic enrichment only; empty on success.
	FailedIndexes []int

	Started  time.Time
	Finished time.Time
}
