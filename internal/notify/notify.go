// Package notify pushes terminal run results to Telegram. It observes the
// event bus rather than the run core directly, so a broken notifier can never
// affect a run.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"burstpub/internal/eventbus"
	rtsup "burstpub/internal/runtime/supervisor"
	logx "burstpub/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	OnSuccess  bool // also notify successful runs; failures always notify
	RatePerSec int
	QueueSize  int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	return c
}

// Sender delivers one rendered notification. Satisfied by the Telegram
// transport; tests substitute a fake.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type telegramSender struct {
	bot    *tele.Bot
	chatID int64
}

// NewTelegramSender builds the production transport. Construction validates
// the token against the Telegram API.
func NewTelegramSender(token string, chatID int64) (Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chatID: chatID}, nil
}

func (t *telegramSender) Send(ctx context.Context, text string) error {
	_, err := t.bot.Send(tele.ChatID(t.chatID), text)
	return err
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	limiter *rate.Limiter
	sup     *rtsup.Supervisor
	unsub   func()
}

// New builds the notifier around an injected transport. With Enabled false
// (or a nil sender) it is inert and Start is a no-op, so callers don't need
// to special-case a missing config section.
func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "notify")),
		bus:     bus,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sender == nil || s.bus == nil || s.sup != nil {
		return
	}

	events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.unsub = unsub
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.Go0("notify.consume", func(c context.Context) {
		s.consume(c, events)
	})
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub() // closes the event channel; the consumer drains and exits
	}
	if sup != nil {
		if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
			sup.Cancel()
		}
	}
}

func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.RunFinished {
				continue
			}
			if e.OK && !s.cfg.OnSuccess {
				continue
			}
			s.send(ctx, formatRunResult(e))
		}
	}
}

func (s *Service) send(ctx context.Context, text string) {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	// Bounded retry; a notification that can't go out is logged and dropped.
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(callCtx, text)
		cancel()
		if err == nil {
			return
		}
		s.log.Warn("notification send failed", logx.Int("attempt", attempt), logx.Err(err))
		if attempt >= maxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
}

func formatRunResult(e eventbus.Event) string {
	if e.OK {
		return fmt.Sprintf("✅ run %s: %d messages published in %s", e.RunID, e.MessageCount, e.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("🚨 run %s failed after %s: %s", e.RunID, e.Duration.Round(time.Millisecond), e.Diagnostic)
}
