package sink

import (
	"context"
	"sync"
)

// Memory is an in-process sink that records accepted messages.
//
// Tests use FailFunc to script transient failures; a dry-run deployment can
// use it as the "memory" driver to exercise the whole pipeline without an
// external endpoint.
type Memory struct {
	mu   sync.Mutex
	msgs []Message

	// failFn, when set, decides per call whether the delivery fails.
	failFn func(msg Message) error
}

func NewMemory() *Memory {
	return &Memory{}
}

// SetFailFunc installs a hook consulted on every Accept; a non-nil return is
// reported as a transient delivery failure and the message is not recorded.
func (m *Memory) SetFailFunc(fn func(msg Message) error) {
	m.mu.Lock()
	m.failFn = fn
	m.mu.Unlock()
}

func (m *Memory) Accept(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	fn := m.failFn
	m.mu.Unlock()

	if fn != nil {
		if err := fn(msg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	return nil
}

// Messages returns a copy of all accepted messages in acceptance order.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.msgs))
	copy(out, m.msgs)
	return out
}

func (m *Memory) Close() error { return nil }
