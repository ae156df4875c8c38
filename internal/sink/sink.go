// Package sink is the event-sink boundary: the external endpoint that
// accepts published messages. Any non-nil Accept error is treated as
// transient and uniformly retryable by the caller.
package sink

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "burstpub/pkg/logx"
)

// Message is the unit handed to the sink. It carries fixed content plus the
// identifying fields of one publish; it is constructed fresh per task and
// never mutated after construction.
type Message struct {
	Content   string `json:"content"`
	MessageID int    `json:"messageId"`
	RunID     string `json:"runId"`
	WorkTime  int    `json:"workTime,omitempty"`
}

type Sink interface {
	Accept(ctx context.Context, msg Message) error
	Close() error
}

// Config configures the sink.
//
// Driver values:
//   - "http": POST each message as JSON to Endpoint
//   - "memory": in-process capture (dry runs, tests)
type Config struct {
	Driver string

	Endpoint   string
	KeyHeader  string
	Key        string
	Timeout    time.Duration // per-request; 0 means default
	RatePerSec int           // 0 means unlimited
}

// Open initializes the configured sink.
func Open(cfg Config, log logx.Logger) (Sink, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "http":
		return openHTTP(cfg, log)
	case "memory":
		return NewMemory(), nil
	case "":
		return nil, errors.New("sink.driver is required")
	default:
		return nil, errors.New("unknown sink driver: " + cfg.Driver)
	}
}
