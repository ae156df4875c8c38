package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "burstpub/pkg/logx"
)

// fileStore is a dependency-free ledger backend.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten at compaction)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is replayed on top of the snapshot at open and compacted into
// it once it grows past a threshold.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalPath  string
	journal      *os.File

	runs map[string]*fileRun

	journalWrites int
}

type fileRun struct {
	rec      RunRecord
	fanout   bool
	outcomes map[int]TaskOutcome
}

const journalCompactEvery = 4096

type journalRecord struct {
	Kind string       `json:"kind"` // run | run_done | tasks | task
	Run  *RunRecord   `json:"run,omitempty"`
	ID   string       `json:"run_id,omitempty"`
	OK   bool         `json:"ok,omitempty"`
	Diag string       `json:"diag,omitempty"`
	N    int          `json:"n,omitempty"`
	Task *TaskOutcome `json:"task,omitempty"`
	At   time.Time    `json:"at,omitempty"`
}

type snapshotFile struct {
	Runs []snapshotRun `json:"runs"`
}

type snapshotRun struct {
	Run    RunRecord     `json:"run"`
	FanOut bool          `json:"fan_out,omitempty"`
	Tasks  []TaskOutcome `json:"tasks,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		journalPath:  prefix + ".journal.jsonl",
		runs:         map[string]*fileRun{},
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	replayed, err := s.replayJournal()
	if err != nil {
		return nil, err
	}

	// Fold the journal into the snapshot at open so recovery stays cheap.
	if replayed > 0 {
		if err := s.compactLocked(); err != nil {
			return nil, err
		}
	}

	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshotFile
	if err := json.Unmarshal(b, &snap); err != nil {
		// A corrupt snapshot is not fatal: the journal still holds recent
		// state and runs re-resume at-least-once anyway.
		s.log.Warn("ledger snapshot unreadable; starting from journal", logx.Err(err))
		return nil
	}
	for _, sr := range snap.Runs {
		fr := &fileRun{rec: sr.Run, fanout: sr.FanOut, outcomes: map[int]TaskOutcome{}}
		for _, t := range sr.Tasks {
			fr.outcomes[t.Index] = t
		}
		s.runs[sr.Run.RunID] = fr
	}
	return nil
}

func (s *fileStore) replayJournal() (int, error) {
	f, err := os.Open(s.journalPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Torn tail write after a crash; ignore the rest.
			s.log.Warn("ledger journal line unreadable; stopping replay", logx.Err(err))
			break
		}
		s.applyRecord(rec)
		n++
	}
	return n, sc.Err()
}

func (s *fileStore) applyRecord(rec journalRecord) {
	switch rec.Kind {
	case "run":
		if rec.Run == nil {
			return
		}
		s.runs[rec.Run.RunID] = &fileRun{rec: *rec.Run, outcomes: map[int]TaskOutcome{}}
	case "run_done":
		fr := s.runs[rec.ID]
		if fr == nil {
			return
		}
		if rec.OK {
			fr.rec.Status = StatusSucceeded
		} else {
			fr.rec.Status = StatusFailed
		}
		fr.rec.Diagnostic = rec.Diag
		fr.rec.FinishedAt = rec.At
	case "tasks":
		if fr := s.runs[rec.ID]; fr != nil {
			fr.fanout = true
		}
	case "task":
		fr := s.runs[rec.ID]
		if fr == nil || rec.Task == nil {
			return
		}
		fr.outcomes[rec.Task.Index] = *rec.Task
	}
}

func (s *fileStore) append(rec journalRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites >= journalCompactEvery {
		s.journalWrites = 0
		if err := s.compactLocked(); err != nil {
			s.log.Warn("ledger compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked rewrites the snapshot from memory and truncates the journal.
// Finished runs beyond the most recent 200 are pruned.
func (s *fileStore) compactLocked() error {
	type finished struct {
		id string
		at time.Time
	}
	var done []finished
	for id, fr := range s.runs {
		if fr.rec.Status != StatusRunning {
			done = append(done, finished{id: id, at: fr.rec.FinishedAt})
		}
	}
	if len(done) > 200 {
		sort.Slice(done, func(i, j int) bool { return done[i].at.After(done[j].at) })
		for _, f := range done[200:] {
			delete(s.runs, f.id)
		}
	}

	snap := snapshotFile{Runs: make([]snapshotRun, 0, len(s.runs))}
	for _, fr := range s.runs {
		sr := snapshotRun{Run: fr.rec, FanOut: fr.fanout}
		for _, t := range fr.outcomes {
			sr.Tasks = append(sr.Tasks, t)
		}
		sort.Slice(sr.Tasks, func(i, j int) bool { return sr.Tasks[i].Index < sr.Tasks[j].Index })
		snap.Runs = append(snap.Runs, sr)
	}
	sort.Slice(snap.Runs, func(i, j int) bool { return snap.Runs[i].Run.StartedAt.Before(snap.Runs[j].Run.StartedAt) })

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}

	if s.journal != nil {
		if err := s.journal.Truncate(0); err != nil {
			return err
		}
		if _, err := s.journal.Seek(0, 0); err != nil {
			return err
		}
	} else {
		// Open-time compaction: journal not opened yet, truncate on disk.
		if err := os.WriteFile(s.journalPath, nil, 0o600); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) CreateRun(ctx context.Context, r RunRecord) error {
	if s == nil {
		return ErrDisabled
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.RunID] = &fileRun{rec: r, outcomes: map[int]TaskOutcome{}}
	return s.append(journalRecord{Kind: "run", Run: &r})
}

func (s *fileStore) FinishRun(ctx context.Context, runID string, ok bool, diagnostic string) error {
	if s == nil {
		return ErrDisabled
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	fr := s.runs[runID]
	if fr == nil {
		return fmt.Errorf("ledger: unknown run %s", runID)
	}
	if ok {
		fr.rec.Status = StatusSucceeded
	} else {
		fr.rec.Status = StatusFailed
	}
	fr.rec.Diagnostic = diagnostic
	fr.rec.FinishedAt = now
	return s.append(journalRecord{Kind: "run_done", ID: runID, OK: ok, Diag: diagnostic, At: now})
}

func (s *fileStore) CreateTasks(ctx context.Context, runID string, n int) error {
	if s == nil {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fr := s.runs[runID]
	if fr == nil {
		return fmt.Errorf("ledger: unknown run %s", runID)
	}
	fr.fanout = true
	return s.append(journalRecord{Kind: "tasks", ID: runID, N: n})
}

func (s *fileStore) MarkTask(ctx context.Context, runID string, t TaskOutcome) error {
	if s == nil {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fr := s.runs[runID]
	if fr == nil {
		return fmt.Errorf("ledger: unknown run %s", runID)
	}
	fr.outcomes[t.Index] = t
	return s.append(journalRecord{Kind: "task", ID: runID, Task: &t})
}

func (s *fileStore) TaskOutcomes(ctx context.Context, runID string) (map[int]TaskOutcome, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fr := s.runs[runID]
	if fr == nil {
		return map[int]TaskOutcome{}, nil
	}
	out := make(map[int]TaskOutcome, len(fr.outcomes))
	for k, v := range fr.outcomes {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	if s == nil {
		return RunRecord{}, false, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fr := s.runs[runID]
	if fr == nil {
		return RunRecord{}, false, nil
	}
	return fr.rec, true, nil
}

func (s *fileStore) UnfinishedRuns(ctx context.Context) ([]RunRecord, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunRecord
	for _, fr := range s.runs {
		if fr.rec.Status == StatusRunning {
			out = append(out, fr.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *fileStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.compactLocked(); err != nil {
		s.log.Warn("ledger compaction on close failed", logx.Err(err))
	}
	if s.journal != nil {
		err := s.journal.Close()
		s.journal = nil
		return err
	}
	return nil
}
