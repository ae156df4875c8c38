// Package eventbus fans run lifecycle signals out to in-process observers
// (notifications, health probes, tests). It is the one-way seam between the
// run core and everything that watches it: observers can never slow a run
// down or feed anything back into it.
package eventbus

import (
	"sync"
	"time"
)

// Event types emitted by the run core.
const (
	RunStarted    = "run.started"
	RunFinished   = "run.finished"
	PublishOK     = "publish.ok"
	PublishGaveUp = "publish.gaveup"
)

// Event is one run lifecycle transition. Type and RunID are always set; the
// remaining fields depend on Type: run-level events carry MessageCount, OK,
// Diagnostic and Duration, the per-message publish events carry Index,
// Attempts and OK.
type Event struct {
	Type  string
	Time  time.Time
	RunID string

	MessageCount int
	OK           bool
	Diagnostic   string
	Duration     time.Duration

	Index    int
	Attempts int
}

// Bus delivers events to every current subscriber.
//
// Publish never blocks: a subscriber whose buffer is full misses the event.
// Subscribers size their buffer for the burst they expect and must call
// unsubscribe when done, which closes their channel.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[int]chan Event{}}
}

type memBus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

// Publish stamps the event and hands it to every subscriber that has buffer
// room. Delivery happens under the bus lock; because every send is a
// non-blocking select this stays O(subscribers) with no waiting, and it means
// a concurrent unsubscribe (which closes the channel under the same lock) can
// never race a send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default: // full buffer: the subscriber misses this event
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
