package schedule

import (
	"context"
	"sync"
	"testing"

	"burstpub/internal/run"
	logx "burstpub/pkg/logx"
)

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "cron", raw: "*/5 * * * *", want: "*/5 * * * *"},
		{name: "cron with spaces", raw: "  0 0 * * *  ", want: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", want: "@hourly"},
		{name: "duration", raw: "10m", want: "@every 10m0s"},
		{name: "compound duration", raw: "1h30m", want: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.raw)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseSpec(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "-5m", "* * *"} {
		if _, err := ParseSpec(raw); err == nil {
			t.Fatalf("ParseSpec(%q): expected error", raw)
		}
	}
}

type fakeStarter struct {
	mu   sync.Mutex
	reqs []run.Request
}

func (f *fakeStarter) StartRun(req run.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return "fake-run", nil
}

func TestStartRejectsInvalidEntries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		entry Entry
	}{
		{name: "bad spec", entry: Entry{Name: "x", Spec: "nope", MessageCount: 1}},
		{name: "negative count", entry: Entry{Name: "x", Spec: "5m", MessageCount: -1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := New([]Entry{tt.entry}, &fakeStarter{}, logx.Nop())
			if err := s.Start(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFirePassesRequestThrough(t *testing.T) {
	t.Parallel()
	st := &fakeStarter{}
	s := New(nil, st, logx.Nop())

	s.fire(Entry{Name: "nightly", MessageCount: 7, WorkTime: 120})

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.reqs) != 1 {
		t.Fatalf("starter called %d times, want 1", len(st.reqs))
	}
	if st.reqs[0].MessageCount != 7 || st.reqs[0].WorkTime != 120 {
		t.Fatalf("request = %+v", st.reqs[0])
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	s := New([]Entry{{Name: "every", Spec: "1h", MessageCount: 1}}, &fakeStarter{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Idempotent.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s.Stop(context.Background())
	s.Stop(context.Background())
}
