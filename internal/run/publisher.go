package run

import (
	"context"
	"fmt"
	"time"

	"burstpub/internal/eventbus"
	"burstpub/internal/sink"
	logx "burstpub/pkg/logx"
)

// PublisherConfig controls the per-message retry loop.
//
// Attempts is the total attempt ceiling including the first try; the
// reference behavior is 10 attempts with no delay between them. Backoff, when
// set, adds a linearly growing wait before each retry, capped at BackoffMax.
// Both are explicit so tests can exercise the exhausted-retry path with a
// small ceiling.
type PublisherConfig struct {
	Attempts   int
	Backoff    time.Duration
	BackoffMax time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.Attempts <= 0 {
		c.Attempts = 10
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// Publisher delivers one message per task, absorbing transient sink failures
// by retrying the same message unmodified up to the attempt ceiling.
//
// Every terminal state is a boolean: true once the sink accepts the message,
// false after the ceiling is exhausted. No error escapes this boundary.
type Publisher struct {
	cfg  PublisherConfig
	sink sink.Sink
	log  logx.Logger
	bus  eventbus.Bus
}

func NewPublisher(cfg PublisherConfig, sk sink.Sink, log logx.Logger, bus eventbus.Bus) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{cfg: cfg.withDefaults(), sink: sk, log: log, bus: bus}
}

// Publish runs the bounded retry loop for one task. It reports the outcome
// and the number of attempts actually made (for the ledger and logs).
func (p *Publisher) Publish(ctx context.Context, t Task) (ok bool, attempts int) {
	msg := newMessage(t)
	max := p.cfg.Attempts

	for attempt := 1; attempt <= max; attempt++ {
		attempts = attempt
		err := p.accept(ctx, msg)
		if err == nil {
			p.log.Debug("publish delivered",
				logx.String("run_id", t.RunID),
				logx.Int("message_id", t.Index),
				logx.Int("attempts", attempt),
			)
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{Type: eventbus.PublishOK, RunID: t.RunID, Index: t.Index, Attempts: attempt, OK: true})
			}
			return true, attempt
		}

		p.log.Debug("publish attempt failed",
			logx.String("run_id", t.RunID),
			logx.Int("message_id", t.Index),
			logx.Int("attempt", attempt),
			logx.Err(err),
		)

		if attempt >= max {
			break
		}
		if delay := p.retryDelay(attempt); delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				p.interrupted(t, attempt)
				return false, attempt
			case <-tmr.C:
			}
		}
		if ctx.Err() != nil {
			p.interrupted(t, attempt)
			return false, attempt
		}
	}

	// Attempts that only failed because the context died are not a real
	// exhaustion either.
	if ctx.Err() != nil {
		p.interrupted(t, max)
		return false, max
	}
	p.giveUp(t, max)
	return false, max
}

// interrupted marks a branch cut short by shutdown. Unlike a give-up it is
// not a terminal verdict on the message: no gave-up event is emitted, and the
// orchestrator leaves the branch unrecorded so a restart re-dispatches it.
func (p *Publisher) interrupted(t Task, attempts int) {
	p.log.Debug("publish interrupted by shutdown",
		logx.String("run_id", t.RunID),
		logx.Int("message_id", t.Index),
		logx.Int("attempts", attempts),
	)
}

// accept guards the sink call: a panicking sink is converted into a
// transient failure so one bad delivery can't take down a whole run.
func (p *Publisher) accept(ctx context.Context, msg sink.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("sink panicked", logx.Int("message_id", msg.MessageID), logx.Any("panic", r))
		}
	}()
	return p.sink.Accept(ctx, msg)
}

func (p *Publisher) giveUp(t Task, attempts int) {
	p.log.Warn("publish gave up",
		logx.String("run_id", t.RunID),
		logx.Int("message_id", t.Index),
		logx.Int("attempts", attempts),
	)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.PublishGaveUp, RunID: t.RunID, Index: t.Index, Attempts: attempts})
	}
}

func (p *Publisher) retryDelay(attempt int) time.Duration {
	if p.cfg.Backoff <= 0 {
		return 0
	}
	d := p.cfg.Backoff * time.Duration(attempt)
	if d > p.cfg.BackoffMax {
		d = p.cfg.BackoffMax
	}
	return d
}
