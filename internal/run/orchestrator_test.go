package run

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"burstpub/internal/ledger"
	"burstpub/internal/sink"
	logx "burstpub/pkg/logx"
)

func newTestOrchestrator(t *testing.T, mem *sink.Memory, st ledger.Store, attempts int) *Orchestrator {
	t.Helper()
	pub := NewPublisher(PublisherConfig{Attempts: attempts}, mem, logx.Nop(), nil)
	return NewOrchestrator(OrchestratorConfig{}, pub, st, logx.Nop(), nil)
}

func openTestLedger(t *testing.T) ledger.Store {
	t.Helper()
	st, err := ledger.Open(ledger.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger")}, logx.Nop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunZeroMessages(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		calls.Add(1)
		return nil
	})

	o := newTestOrchestrator(t, mem, nil, 10)
	res := o.Run(context.Background(), Request{MessageCount: 0}, "run-zero")
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if calls.Load() != 0 {
		t.Fatalf("sink called %d times, want 0", calls.Load())
	}
}

func TestRunAllSucceed(t *testing.T) {
	t.Parallel()
	const n = 5
	mem := sink.NewMemory()

	o := newTestOrchestrator(t, mem, nil, 10)
	res := o.Run(context.Background(), Request{MessageCount: n}, "run-ok")
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.FailedIndexes) != 0 {
		t.Fatalf("FailedIndexes = %v, want none", res.FailedIndexes)
	}

	msgs := mem.Messages()
	if len(msgs) != n {
		t.Fatalf("sink saw %d messages, want %d", len(msgs), n)
	}
	var ids []int
	for _, m := range msgs {
		if m.RunID != "run-ok" {
			t.Fatalf("message carries run id %q, want run-ok", m.RunID)
		}
		ids = append(ids, m.MessageID)
	}
	sort.Ints(ids)
	for i, id := range ids {
		if id != i {
			t.Fatalf("message ids = %v, want 0..%d", ids, n-1)
		}
	}
}

func TestRunOnePermanentFailure(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		if msg.MessageID == 1 {
			return errors.New("permanently rejected")
		}
		return nil
	})

	o := newTestOrchestrator(t, mem, nil, 3)
	res := o.Run(context.Background(), Request{MessageCount: 2}, "run-mixed")
	if res.OK {
		t.Fatal("expected failure")
	}
	if len(res.FailedIndexes) != 1 || res.FailedIndexes[0] != 1 {
		t.Fatalf("FailedIndexes = %v, want [1]", res.FailedIndexes)
	}
	if !strings.Contains(res.Diagnostic, "failed") {
		t.Fatalf("diagnostic %q does not mention a failure", res.Diagnostic)
	}

	// Index 0 was delivered despite its sibling's permanent failure.
	msgs := mem.Messages()
	if len(msgs) != 1 || msgs[0].MessageID != 0 {
		t.Fatalf("sink saw %+v, want exactly message 0", msgs)
	}
}

func TestRunFailureIffAnyOutcomeFalse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		n      int
		failAt map[int]bool
		wantOK bool
	}{
		{name: "none fail", n: 4, failAt: nil, wantOK: true},
		{name: "first fails", n: 3, failAt: map[int]bool{0: true}, wantOK: false},
		{name: "all fail", n: 2, failAt: map[int]bool{0: true, 1: true}, wantOK: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mem := sink.NewMemory()
			mem.SetFailFunc(func(msg sink.Message) error {
				if tt.failAt[msg.MessageID] {
					return errors.New("no")
				}
				return nil
			})
			o := newTestOrchestrator(t, mem, nil, 2)
			res := o.Run(context.Background(), Request{MessageCount: tt.n}, "run-"+tt.name)
			if res.OK != tt.wantOK {
				t.Fatalf("OK = %v, want %v (%+v)", res.OK, tt.wantOK, res)
			}
		})
	}
}

func TestRunResumeSkipsRecordedOutcomes(t *testing.T) {
	t.Parallel()
	st := openTestLedger(t)
	ctx := context.Background()

	const runID = "0c6f1f3a-resume"
	if err := st.CreateRun(ctx, ledger.RunRecord{RunID: runID, MessageCount: 2}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	// Branch 0 already completed before the simulated restart.
	if err := st.MarkTask(ctx, runID, ledger.TaskOutcome{Index: 0, OK: true, Attempts: 1}); err != nil {
		t.Fatalf("MarkTask: %v", err)
	}

	mem := sink.NewMemory()
	o := newTestOrchestrator(t, mem, st, 10)
	res := o.Run(ctx, Request{MessageCount: 2}, runID)
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}

	msgs := mem.Messages()
	if len(msgs) != 1 || msgs[0].MessageID != 1 {
		t.Fatalf("sink saw %+v, want only message 1 (0 was already recorded)", msgs)
	}

	rec, ok, err := st.GetRun(ctx, runID)
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if rec.Status != ledger.StatusSucceeded {
		t.Fatalf("run status = %q, want %q", rec.Status, ledger.StatusSucceeded)
	}
}

func TestRunKeepsRecordedGiveUp(t *testing.T) {
	t.Parallel()
	st := openTestLedger(t)
	ctx := context.Background()

	const runID = "0c6f1f3a-gaveup"
	if err := st.CreateRun(ctx, ledger.RunRecord{RunID: runID, MessageCount: 1}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.MarkTask(ctx, runID, ledger.TaskOutcome{Index: 0, OK: false, Attempts: 10}); err != nil {
		t.Fatalf("MarkTask: %v", err)
	}

	mem := sink.NewMemory()
	o := newTestOrchestrator(t, mem, st, 10)
	res := o.Run(ctx, Request{MessageCount: 1}, runID)
	if res.OK {
		t.Fatal("expected failure: the recorded give-up is terminal")
	}
	if len(mem.Messages()) != 0 {
		t.Fatalf("sink saw %+v, want no re-publish of a given-up branch", mem.Messages())
	}
}

func TestRunAbortsWhenFanOutCannotBeIssued(t *testing.T) {
	t.Parallel()
	st := openTestLedger(t)

	// No run record exists, so recording the fan-out fails and the run
	// aborts before any branch starts.
	mem := sink.NewMemory()
	o := newTestOrchestrator(t, mem, st, 10)
	res := o.Run(context.Background(), Request{MessageCount: 3}, "never-created")
	if res.OK {
		t.Fatal("expected abort failure")
	}
	if !strings.Contains(res.Diagnostic, "aborted") {
		t.Fatalf("diagnostic %q does not describe the abort", res.Diagnostic)
	}
	if len(mem.Messages()) != 0 {
		t.Fatalf("sink saw %d messages, want 0", len(mem.Messages()))
	}
}

func TestRunShutdownLeavesInterruptedBranchUnrecorded(t *testing.T) {
	t.Parallel()
	st := openTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const runID = "0c6f1f3a-shutdown"
	if err := st.CreateRun(context.Background(), ledger.RunRecord{RunID: runID, MessageCount: 2}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	// Branch 0 completed before the forced shutdown.
	if err := st.MarkTask(context.Background(), runID, ledger.TaskOutcome{Index: 0, OK: true, Attempts: 1}); err != nil {
		t.Fatalf("MarkTask: %v", err)
	}

	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		cancel() // forced shutdown while branch 1 is in flight
		return errors.New("rejected")
	})

	o := newTestOrchestrator(t, mem, st, 2)
	res := o.Run(ctx, Request{MessageCount: 2}, runID)
	if res.OK {
		t.Fatal("expected the interrupted run to report failure")
	}

	// The interrupted branch must not be recorded as a give-up, and the run
	// must stay open, so a restart re-dispatches exactly that branch.
	outs, err := st.TaskOutcomes(context.Background(), runID)
	if err != nil {
		t.Fatalf("TaskOutcomes: %v", err)
	}
	if _, recorded := outs[1]; recorded {
		t.Fatalf("interrupted branch recorded as %+v, want unrecorded", outs[1])
	}
	rec, ok, err := st.GetRun(context.Background(), runID)
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if rec.Status != ledger.StatusRunning {
		t.Fatalf("run status = %q after shutdown, want %q", rec.Status, ledger.StatusRunning)
	}

	// Restart with a live context: only the interrupted branch re-runs.
	mem2 := sink.NewMemory()
	o2 := newTestOrchestrator(t, mem2, st, 2)
	res2 := o2.Run(context.Background(), Request{MessageCount: 2}, runID)
	if !res2.OK {
		t.Fatalf("resumed run failed: %+v", res2)
	}
	msgs := mem2.Messages()
	if len(msgs) != 1 || msgs[0].MessageID != 1 {
		t.Fatalf("resume published %+v, want only message 1", msgs)
	}
	rec, _, err = st.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != ledger.StatusSucceeded {
		t.Fatalf("run status = %q after resume, want %q", rec.Status, ledger.StatusSucceeded)
	}
}

func TestRunBoundedParallelism(t *testing.T) {
	t.Parallel()
	const n = 8
	const limit = 2

	var inFlight, peak atomic.Int64
	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		defer inFlight.Add(-1)
		return nil
	})

	pub := NewPublisher(PublisherConfig{Attempts: 1}, mem, logx.Nop(), nil)
	o := NewOrchestrator(OrchestratorConfig{MaxParallel: limit}, pub, nil, logx.Nop(), nil)
	res := o.Run(context.Background(), Request{MessageCount: n}, "run-bounded")
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if peak.Load() > limit {
		t.Fatalf("peak concurrency %d exceeds limit %d", peak.Load(), limit)
	}
}
