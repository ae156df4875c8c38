package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"burstpub/internal/eventbus"
	"burstpub/internal/ledger"
	logx "burstpub/pkg/logx"
)

// OrchestratorConfig controls fan-out execution.
//
// MaxParallel bounds how many publish branches run at once; 0 means
// unbounded (one goroutine per message, the reference behavior).
type OrchestratorConfig struct {
	MaxParallel int
}

// Orchestrator executes one run: fan-out one publish branch per index,
// fan-in all outcomes, reduce to a single Result.
//
// The fan-in is unconditional: a permanent branch failure never aborts its
// siblings, and the result is decided only after all outcomes are known.
// The orchestrator itself never retries; only the Publisher retries at the
// leaf level.
type Orchestrator struct {
	cfg    OrchestratorConfig
	pub    *Publisher
	ledger ledger.Store
	log    logx.Logger
	bus    eventbus.Bus
}

func NewOrchestrator(cfg OrchestratorConfig, pub *Publisher, st ledger.Store, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{cfg: cfg, pub: pub, ledger: st, log: log, bus: bus}
}

// Run blocks until the run is terminal. The run record must already exist in
// the ledger (the Coordinator creates it); resumed runs skip branches with a
// recorded outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request, runID string) Result {
	started := time.Now()
	n := req.MessageCount

	o.log.Info("run started", logx.String("run_id", runID), logx.Int("message_count", n))
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, RunID: runID, MessageCount: n})
	}

	if n == 0 {
		// Degenerate fan-out: nothing to publish, immediate success.
		return o.finish(ctx, runID, started, n, nil)
	}

	// Load prior outcomes (resume path) and record that fan-out is issued.
	// A failure here is the orchestration-level failure class: the run
	// aborts with a described Failure and nothing is partially reported.
	prior := map[int]ledger.TaskOutcome{}
	if o.ledger != nil {
		var err error
		prior, err = o.ledger.TaskOutcomes(ctx, runID)
		if err != nil {
			return o.abort(ctx, runID, started, n, fmt.Errorf("reading task outcomes: %w", err))
		}
		if err := o.ledger.CreateTasks(ctx, runID, n); err != nil {
			return o.abort(ctx, runID, started, n, fmt.Errorf("issuing fan-out: %w", err))
		}
	}

	outcomes := make([]bool, n)

	var sem chan struct{}
	if o.cfg.MaxParallel > 0 {
		sem = make(chan struct{}, o.cfg.MaxParallel)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if t, done := prior[i]; done {
			// Recorded terminal outcome from before a restart; keep it.
			outcomes[i] = t.OK
			continue
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			ok, attempts := o.pub.Publish(ctx, Task{Index: idx, RunID: runID, WorkTime: req.WorkTime})
			outcomes[idx] = ok
			if !ok && ctx.Err() != nil {
				// Shutdown cut the branch short, not the retry ceiling.
				// Leave it unrecorded so a restart re-dispatches it instead
				// of inheriting a permanent failure.
				return
			}
			o.markTask(ctx, runID, ledger.TaskOutcome{Index: idx, OK: ok, Attempts: attempts})
		}(i)
	}
	wg.Wait()

	var failed []int
	for i, ok := range outcomes {
		if !ok {
			failed = append(failed, i)
		}
	}
	return o.finish(ctx, runID, started, n, failed)
}

func (o *Orchestrator) markTask(ctx context.Context, runID string, t ledger.TaskOutcome) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.MarkTask(ctx, runID, t); err != nil {
		// The in-memory outcome stands; only crash recovery degrades.
		o.log.Warn("task outcome not persisted", logx.String("run_id", runID), logx.Int("index", t.Index), logx.Err(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, runID string, started time.Time, n int, failed []int) Result {
	res := Result{
		RunID:         runID,
		OK:            len(failed) == 0,
		FailedIndexes: failed,
		Started:       started,
		Finished:      time.Now(),
	}
	if !res.OK {
		res.Diagnostic = failureDiagnostic(n, failed)
	}
	o.persistAndAnnounce(ctx, res, n)
	return res
}

func (o *Orchestrator) abort(ctx context.Context, runID string, started time.Time, n int, cause error) Result {
	res := Result{
		RunID:      runID,
		OK:         false,
		Diagnostic: fmt.Sprintf("run %s aborted: %v", runID, cause),
		Started:    started,
		Finished:   time.Now(),
	}
	o.persistAndAnnounce(ctx, res, n)
	return res
}

func (o *Orchestrator) persistAndAnnounce(ctx context.Context, res Result, n int) {
	if o.ledger != nil {
		if ctx.Err() != nil && !res.OK {
			// A failure reached under a dead context reflects the shutdown,
			// not the messages. Keep the run open in the ledger; the next
			// start resumes it from the recorded branch outcomes.
			o.log.Warn("run interrupted by shutdown; result not recorded", logx.String("run_id", res.RunID))
		} else if err := o.ledger.FinishRun(ctx, res.RunID, res.OK, res.Diagnostic); err != nil {
			o.log.Warn("run result not persisted", logx.String("run_id", res.RunID), logx.Err(err))
		}
	}

	dur := res.Finished.Sub(res.Started)
	if res.OK {
		o.log.Info("run succeeded", logx.String("run_id", res.RunID), logx.Int("message_count", n), logx.Duration("dur", dur))
	} else {
		o.log.Warn("run failed", logx.String("run_id", res.RunID), logx.Int("message_count", n), logx.Duration("dur", dur), logx.String("diagnostic", res.Diagnostic))
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{
			Type:         eventbus.RunFinished,
			RunID:        res.RunID,
			MessageCount: n,
			OK:           res.OK,
			Diagnostic:   res.Diagnostic,
			Duration:     dur,
		})
	}
}

func failureDiagnostic(n int, failed []int) string {
	// Keep the diagnostic bounded for very large runs.
	const maxListed = 32
	if len(failed) <= maxListed {
		return fmt.Sprintf("%d of %d messages failed after exhausting retries (indices %v)", len(failed), n, failed)
	}
	return fmt.Sprintf("%d of %d messages failed after exhausting retries (first %d indices %v)", len(failed), n, maxListed, failed[:maxListed])
}
