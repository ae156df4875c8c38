package run

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"burstpub/internal/eventbus"
	"burstpub/internal/sink"
	logx "burstpub/pkg/logx"
)

func TestPublishFirstAttempt(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemory()
	p := NewPublisher(PublisherConfig{Attempts: 10}, mem, logx.Nop(), nil)

	ok, attempts := p.Publish(context.Background(), Task{Index: 7, RunID: "run-a", WorkTime: 5})
	if !ok {
		t.Fatal("expected success")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	msgs := mem.Messages()
	if len(msgs) != 1 {
		t.Fatalf("sink saw %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.MessageID != 7 || m.RunID != "run-a" || m.WorkTime != 5 {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.Content == "" {
		t.Fatal("message content is empty")
	}
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	const failFirst = 3

	var calls atomic.Int64
	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		if calls.Add(1) <= failFirst {
			return errors.New("transient")
		}
		return nil
	})

	p := NewPublisher(PublisherConfig{Attempts: 10}, mem, logx.Nop(), nil)
	ok, attempts := p.Publish(context.Background(), Task{Index: 0, RunID: "run-b"})
	if !ok {
		t.Fatal("expected eventual success")
	}
	if attempts != failFirst+1 {
		t.Fatalf("attempts = %d, want %d", attempts, failFirst+1)
	}
	if got := calls.Load(); got != failFirst+1 {
		t.Fatalf("sink calls = %d, want %d", got, failFirst+1)
	}
	if len(mem.Messages()) != 1 {
		t.Fatalf("sink recorded %d messages, want 1", len(mem.Messages()))
	}
}

func TestPublishExhaustsCeiling(t *testing.T) {
	t.Parallel()
	const ceiling = 4

	var calls atomic.Int64
	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		calls.Add(1)
		return errors.New("down")
	})

	p := NewPublisher(PublisherConfig{Attempts: ceiling}, mem, logx.Nop(), nil)
	ok, attempts := p.Publish(context.Background(), Task{Index: 1, RunID: "run-c"})
	if ok {
		t.Fatal("expected give-up")
	}
	if attempts != ceiling {
		t.Fatalf("attempts = %d, want %d", attempts, ceiling)
	}
	if got := calls.Load(); got != ceiling {
		t.Fatalf("sink calls = %d, want %d", got, ceiling)
	}
	if len(mem.Messages()) != 0 {
		t.Fatalf("sink recorded %d messages, want 0", len(mem.Messages()))
	}
}

func TestPublishRecoversSinkPanic(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		if calls.Add(1) == 1 {
			panic("sink exploded")
		}
		return nil
	})

	p := NewPublisher(PublisherConfig{Attempts: 3}, mem, logx.Nop(), nil)
	ok, attempts := p.Publish(context.Background(), Task{Index: 0, RunID: "run-d"})
	if !ok {
		t.Fatal("expected success after panic-as-failure retry")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestPublishCancellationIsNotAGiveUp(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		cancel()
		return errors.New("rejected")
	})

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	p := NewPublisher(PublisherConfig{Attempts: 3}, mem, logx.Nop(), bus)
	if ok, _ := p.Publish(ctx, Task{Index: 0, RunID: "run-f"}); ok {
		t.Fatal("expected failure under a cancelled context")
	}

	// Publish is synchronous, so any emitted event is already buffered. A
	// branch cut short by shutdown is not a verdict on the message and must
	// not announce a give-up.
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.PublishGaveUp {
				t.Fatalf("cancellation reported as give-up: %+v", e)
			}
		default:
			return
		}
	}
}

func TestPublishDefaultCeilingIsTen(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		calls.Add(1)
		return errors.New("down")
	})

	p := NewPublisher(PublisherConfig{}, mem, logx.Nop(), nil)
	ok, attempts := p.Publish(context.Background(), Task{Index: 0, RunID: "run-e"})
	if ok {
		t.Fatal("expected give-up")
	}
	if attempts != 10 || calls.Load() != 10 {
		t.Fatalf("attempts = %d, calls = %d, want 10/10", attempts, calls.Load())
	}
}
