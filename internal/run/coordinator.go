package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"burstpub/internal/eventbus"
	"burstpub/internal/ledger"
	rtsup "burstpub/internal/runtime/supervisor"
	logx "burstpub/pkg/logx"
)

// CoordinatorConfig controls the entry adapter.
//
// AwaitCeiling caps how long a single Await may block (reference: 2 minutes).
// HistorySize bounds how many terminal results are retained in memory for
// polling; older results remain reachable through the ledger.
type CoordinatorConfig struct {
	AwaitCeiling time.Duration
	HistorySize  int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.AwaitCeiling <= 0 {
		c.AwaitCeiling = 2 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Coordinator accepts run requests, mints run identifiers, starts
// orchestrations on supervised goroutines, and exposes bounded-wait and
// poll access to their terminal results.
//
// A started run always completes; an Await timeout returns control to the
// caller without cancelling the orchestration.
type Coordinator struct {
	cfg    CoordinatorConfig
	orch   *Orchestrator
	ledger ledger.Store
	log    logx.Logger
	bus    eventbus.Bus

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	runs  map[string]*runHandle
	order []string // insertion order, for history trimming
}

type runHandle struct {
	req  Request
	done chan struct{}

	mu     sync.Mutex
	result Result
	ended  bool
}

func (h *runHandle) complete(res Result) {
	h.mu.Lock()
	if !h.ended {
		h.result = res
		h.ended = true
		close(h.done)
	}
	h.mu.Unlock()
}

func (h *runHandle) snapshot() (Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.ended
}

func NewCoordinator(cfg CoordinatorConfig, orch *Orchestrator, st ledger.Store, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		orch:   orch,
		ledger: st,
		log:    log,
		bus:    bus,
		runs:   map[string]*runHandle{},
	}
}

// Start makes the coordinator accept runs and resumes any runs the ledger
// recorded as unfinished before the last shutdown.
func (c *Coordinator) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.sup != nil {
		c.mu.Unlock()
		return
	}
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log))
	c.mu.Unlock()

	c.resume(ctx)
}

// Stop stops accepting new runs and waits for in-flight orchestrations.
func (c *Coordinator) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()

	if sup == nil {
		return
	}
	// In-flight runs are not cancelled; give them until ctx to drain.
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		c.log.Warn("coordinator stop timed out; abandoning in-flight runs", logx.Err(ctx.Err()))
		sup.Cancel()
	}
}

// StartRun validates the request, mints a run identifier, registers the run,
// and launches the orchestration without blocking on its completion.
func (c *Coordinator) StartRun(req Request) (string, error) {
	if req.MessageCount < 0 {
		return "", fmt.Errorf("%w: messageCount must be >= 0 (got %d)", ErrInvalidRequest, req.MessageCount)
	}
	if req.WorkTime < 0 {
		return "", fmt.Errorf("%w: workTime must be >= 0 (got %d)", ErrInvalidRequest, req.WorkTime)
	}

	runID := uuid.NewString()

	if c.ledger != nil {
		err := c.ledger.CreateRun(context.Background(), ledger.RunRecord{
			RunID:        runID,
			MessageCount: req.MessageCount,
			WorkTime:     req.WorkTime,
			Status:       ledger.StatusRunning,
			StartedAt:    time.Now(),
		})
		if err != nil {
			return "", fmt.Errorf("registering run: %w", err)
		}
	}

	if err := c.launch(runID, req); err != nil {
		return "", err
	}
	return runID, nil
}

func (c *Coordinator) launch(runID string, req Request) error {
	h := &runHandle{req: req, done: make(chan struct{})}

	c.mu.Lock()
	sup := c.sup
	if sup == nil {
		c.mu.Unlock()
		return ErrStopped
	}
	c.runs[runID] = h
	c.order = append(c.order, runID)
	c.trimLocked()
	c.mu.Unlock()

	sup.Go0("run."+shortID(runID), func(ctx context.Context) {
		h.complete(c.orch.Run(ctx, req, runID))
	})
	return nil
}

// trimLocked drops the oldest terminal results beyond the history size.
// Running handles are never dropped.
func (c *Coordinator) trimLocked() {
	excess := len(c.order) - c.cfg.HistorySize
	if excess <= 0 {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		h := c.runs[id]
		if h == nil {
			continue
		}
		if excess > 0 {
			if _, ended := h.snapshot(); ended {
				delete(c.runs, id)
				excess--
				continue
			}
		}
		kept = append(kept, id)
	}
	c.order = kept
}

// Await blocks until the run is terminal, the timeout elapses, or ctx is
// done. done=false means the run is still in flight; the orchestration keeps
// running and a later Await or Lookup returns its eventual result.
func (c *Coordinator) Await(ctx context.Context, runID string, timeout time.Duration) (res Result, done bool, err error) {
	c.mu.Lock()
	h := c.runs[runID]
	c.mu.Unlock()

	if h == nil {
		// Not in memory: it may be a terminal run from a previous process.
		return c.lookupLedger(ctx, runID)
	}

	if timeout <= 0 || timeout > c.cfg.AwaitCeiling {
		timeout = c.cfg.AwaitCeiling
	}
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case <-h.done:
		res, _ = h.snapshot()
		return res, true, nil
	case <-tmr.C:
		return Result{RunID: runID}, false, nil
	case <-ctx.Done():
		return Result{}, false, ctx.Err()
	}
}

// Lookup polls a run without blocking. done=false with a nil error means the
// run is still in flight.
func (c *Coordinator) Lookup(ctx context.Context, runID string) (res Result, done bool, err error) {
	c.mu.Lock()
	h := c.runs[runID]
	c.mu.Unlock()

	if h == nil {
		return c.lookupLedger(ctx, runID)
	}
	res, done = h.snapshot()
	if !done {
		return Result{RunID: runID}, false, nil
	}
	return res, true, nil
}

func (c *Coordinator) lookupLedger(ctx context.Context, runID string) (Result, bool, error) {
	if c.ledger == nil {
		return Result{}, false, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	rec, ok, err := c.ledger.GetRun(ctx, runID)
	if err != nil {
		return Result{}, false, err
	}
	if !ok {
		return Result{}, false, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if rec.Status == ledger.StatusRunning {
		// Recorded but not registered here: either resuming or another
		// instance owns it. Report in-flight.
		return Result{RunID: runID}, false, nil
	}
	return Result{
		RunID:      rec.RunID,
		OK:         rec.Status == ledger.StatusSucceeded,
		Diagnostic: rec.Diagnostic,
		Started:    rec.StartedAt,
		Finished:   rec.FinishedAt,
	}, true, nil
}

// resume re-dispatches runs the ledger recorded as unfinished. Branches with
// a recorded outcome keep it; the rest re-publish, which may duplicate a
// message whose outcome was lost mid-crash (at-least-once).
func (c *Coordinator) resume(ctx context.Context) {
	if c.ledger == nil {
		c.log.Info("ledger disabled; runs will not survive a restart")
		return
	}
	recs, err := c.ledger.UnfinishedRuns(ctx)
	if err != nil {
		c.log.Warn("listing unfinished runs failed; skipping resume", logx.Err(err))
		return
	}
	for _, rec := range recs {
		req := Request{MessageCount: rec.MessageCount, WorkTime: rec.WorkTime}
		c.log.Info("resuming run", logx.String("run_id", rec.RunID), logx.Int("message_count", rec.MessageCount))
		if err := c.launch(rec.RunID, req); err != nil {
			c.log.Warn("resume failed", logx.String("run_id", rec.RunID), logx.Err(err))
		}
	}
}

// Snapshot reports coordinator state for health output.
type Snapshot struct {
	Running   int            `json:"running"`
	Retained  int            `json:"retained"`
	Goroutine rtsup.Counters `json:"goroutines"`
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{Retained: len(c.runs)}
	for _, h := range c.runs {
		if _, ended := h.snapshot(); !ended {
			snap.Running++
		}
	}
	if c.sup != nil {
		snap.Goroutine = c.sup.Snapshot()
	}
	return snap
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
