// Package schedule triggers recurring runs from configured cron expressions
// or plain intervals.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"burstpub/internal/run"
	logx "burstpub/pkg/logx"
)

// Entry is one recurring trigger. Spec accepts a standard 5-field cron
// expression or a plain Go duration (normalized to "@every <d>").
type Entry struct {
	Name         string
	Spec         string
	MessageCount int
	WorkTime     int
}

// Starter is the coordinator surface the scheduler needs.
type Starter interface {
	StartRun(req run.Request) (string, error)
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	starter Starter
	entries []Entry

	parser cron.Parser
	c      *cron.Cron
}

func New(entries []Entry, starter Starter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("comp", "schedule")),
		starter: starter,
		entries: entries,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ParseSpec normalizes a trigger spec: a Go duration becomes "@every <d>",
// anything else must be a valid cron expression.
func ParseSpec(spec string) (string, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return "", fmt.Errorf("empty schedule spec")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("schedule interval must be > 0 (got %s)", d)
		}
		return "@every " + d.String(), nil
	}
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(s); err != nil {
		return "", fmt.Errorf("invalid schedule spec %q: %w", s, err)
	}
	return s, nil
}

// Start registers all entries and begins firing them. Invalid entries are an
// error; the caller decides whether that is fatal.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(s.parser))
	for _, e := range s.entries {
		spec, err := ParseSpec(e.Spec)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		if e.MessageCount < 0 {
			return fmt.Errorf("schedule %q: message_count must be >= 0", e.Name)
		}
		e := e
		if _, err := c.AddFunc(spec, func() { s.fire(e) }); err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		s.log.Info("schedule registered", logx.String("name", e.Name), logx.String("spec", spec), logx.Int("message_count", e.MessageCount))
	}

	s.c = c
	c.Start()
	return nil
}

// Stop halts triggering. Runs already started keep going; only the trigger
// loop stops.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("schedule stopped")
}

func (s *Service) fire(e Entry) {
	id, err := s.starter.StartRun(run.Request{MessageCount: e.MessageCount, WorkTime: e.WorkTime})
	if err != nil {
		s.log.Warn("scheduled run rejected", logx.String("name", e.Name), logx.Err(err))
		return
	}
	s.log.Info("scheduled run started", logx.String("name", e.Name), logx.String("run_id", id))
}
