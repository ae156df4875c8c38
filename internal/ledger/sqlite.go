package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "burstpub/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("ledger.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, message_count, work_time, status, diagnostic, started_at)
		 VALUES(?,?,?,?,?,?)`,
		r.RunID, r.MessageCount, r.WorkTime, r.Status, nullStr(r.Diagnostic), r.StartedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) FinishRun(ctx context.Context, runID string, ok bool, diagnostic string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	status := StatusFailed
	if ok {
		status = StatusSucceeded
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, diagnostic=?, finished_at=? WHERE run_id=?`,
		status, nullStr(diagnostic), time.Now().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: unknown run %s", runID)
	}
	return nil
}

func (s *sqliteStore) CreateTasks(ctx context.Context, runID string, n int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	// Task rows are written at completion; here we only verify the run row
	// exists so a missing run surfaces before fan-out starts.
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT message_count FROM runs WHERE run_id = ?`, runID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ledger: unknown run %s", runID)
	}
	return err
}

func (s *sqliteStore) MarkTask(ctx context.Context, runID string, t TaskOutcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(run_id, idx, ok, attempts) VALUES(?,?,?,?)
		 ON CONFLICT(run_id, idx) DO UPDATE SET ok=excluded.ok, attempts=excluded.attempts`,
		runID, t.Index, boolInt(t.OK), t.Attempts,
	)
	return err
}

func (s *sqliteStore) TaskOutcomes(ctx context.Context, runID string) (map[int]TaskOutcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT idx, ok, attempts FROM tasks WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int]TaskOutcome{}
	for rows.Next() {
		var t TaskOutcome
		var okInt int
		if err := rows.Scan(&t.Index, &okInt, &t.Attempts); err != nil {
			return nil, err
		}
		t.OK = okInt != 0
		out[t.Index] = t
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	if s == nil || s.db == nil {
		return RunRecord{}, false, ErrDisabled
	}
	var r RunRecord
	var started string
	var finished sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, message_count, work_time, status, COALESCE(diagnostic, ''), started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&r.RunID, &r.MessageCount, &r.WorkTime, &r.Status, &r.Diagnostic, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
		r.StartedAt = t
	}
	if finished.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			r.FinishedAt = t
		}
	}
	return r, true, nil
}

func (s *sqliteStore) UnfinishedRuns(ctx context.Context) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, message_count, work_time, status, COALESCE(diagnostic, ''), started_at
		 FROM runs WHERE status = ? ORDER BY started_at`, StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started string
		if err := rows.Scan(&r.RunID, &r.MessageCount, &r.WorkTime, &r.Status, &r.Diagnostic, &started); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
