package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	logx "burstpub/pkg/logx"
)

// postgresStore keeps the ledger in PostgreSQL. Useful when several
// burstpub instances share one database or when runs must survive the
// host, not just the process.
type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

type runModel struct {
	RunID        string `gorm:"primaryKey;size:36"`
	MessageCount int    `gorm:"not null"`
	WorkTime     int    `gorm:"default:0"`
	Status       string `gorm:"size:16;index;default:'running'"`
	Diagnostic   string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

func (runModel) TableName() string { return "runs" }

type taskModel struct {
	RunID    string `gorm:"primaryKey;size:36"`
	Idx      int    `gorm:"primaryKey"`
	OK       bool   `gorm:"column:ok;not null"`
	Attempts int    `gorm:"default:0"`
}

func (taskModel) TableName() string { return "tasks" }

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("ledger.dsn is required for postgres driver")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}, &taskModel{}); err != nil {
		return nil, err
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) CreateRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	row := runModel{
		RunID:        r.RunID,
		MessageCount: r.MessageCount,
		WorkTime:     r.WorkTime,
		Status:       r.Status,
		Diagnostic:   r.Diagnostic,
		StartedAt:    r.StartedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *postgresStore) FinishRun(ctx context.Context, runID string, ok bool, diagnostic string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	status := StatusFailed
	if ok {
		status = StatusSucceeded
	}
	now := time.Now()
	tx := s.db.WithContext(ctx).Model(&runModel{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{"status": status, "diagnostic": diagnostic, "finished_at": now})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("ledger: unknown run %s", runID)
	}
	return nil
}

func (s *postgresStore) CreateTasks(ctx context.Context, runID string, n int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&runModel{}).Where("run_id = ?", runID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("ledger: unknown run %s", runID)
	}
	return nil
}

func (s *postgresStore) MarkTask(ctx context.Context, runID string, t TaskOutcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	row := taskModel{RunID: runID, Idx: t.Index, OK: t.OK, Attempts: t.Attempts}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}, {Name: "idx"}},
		DoUpdates: clause.Assignments(map[string]any{
			"ok":       row.OK,
			"attempts": row.Attempts,
		}),
	}).Create(&row).Error
}

func (s *postgresStore) TaskOutcomes(ctx context.Context, runID string) (map[int]TaskOutcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var rows []taskModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[int]TaskOutcome, len(rows))
	for _, row := range rows {
		out[row.Idx] = TaskOutcome{Index: row.Idx, OK: row.OK, Attempts: row.Attempts}
	}
	return out, nil
}

func (s *postgresStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	if s == nil || s.db == nil {
		return RunRecord{}, false, ErrDisabled
	}
	var row runModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	r := RunRecord{
		RunID:        row.RunID,
		MessageCount: row.MessageCount,
		WorkTime:     row.WorkTime,
		Status:       row.Status,
		Diagnostic:   row.Diagnostic,
		StartedAt:    row.StartedAt,
	}
	if row.FinishedAt != nil {
		r.FinishedAt = *row.FinishedAt
	}
	return r, true, nil
}

func (s *postgresStore) UnfinishedRuns(ctx context.Context) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var rows []runModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusRunning).
		Order("started_at").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(rows))
	for _, row := range rows {
		r := RunRecord{
			RunID:        row.RunID,
			MessageCount: row.MessageCount,
			WorkTime:     row.WorkTime,
			Status:       row.Status,
			Diagnostic:   row.Diagnostic,
			StartedAt:    row.StartedAt,
		}
		if row.FinishedAt != nil {
			r.FinishedAt = *row.FinishedAt
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
