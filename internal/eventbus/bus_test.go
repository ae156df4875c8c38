package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: RunFinished, RunID: "r1", OK: true, MessageCount: 3})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != RunFinished || e.RunID != "r1" || !e.OK || e.MessageCount != 3 {
				t.Fatalf("delivered event = %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatal("event not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Second publish overflows the buffer and must be dropped, not block.
	b.Publish(Event{Type: PublishOK, RunID: "r1", Index: 0})
	b.Publish(Event{Type: PublishOK, RunID: "r1", Index: 1})

	e := <-ch
	if e.Index != 0 {
		t.Fatalf("buffered event index = %d, want 0", e.Index)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %+v, want overflow dropped", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing to a bus with no subscribers is a no-op.
	b.Publish(Event{Type: RunStarted, RunID: "r1"})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		_, unsub := b.Subscribe(2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: PublishOK, RunID: "r1", Index: j})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
}
