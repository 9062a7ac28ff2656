package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// jobRow is the sync_jobs table. Lease expiry is stored as unix nanoseconds
// so the claim predicate compares integers on every driver.
type jobRow struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	MirrorType      string `gorm:"size:128;not null;index"`
	Force           bool
	Status          Status `gorm:"size:16;not null;index"`
	Progress        int
	Total           int
	Succeeded       int
	Failed          int
	Skipped         int
	Error           string `gorm:"type:text"`
	CancelRequested bool
	ClaimedBy       string `gorm:"size:128"`
	ClaimUntil      *int64
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

func (jobRow) TableName() string {
	return "sync_jobs"
}

// logRow is the append-only sync_job_logs table.
type logRow struct {
	ID      uint64    `gorm:"primaryKey;autoIncrement"`
	JobID   uint64    `gorm:"not null;uniqueIndex:idx_job_seq,priority:1"`
	Seq     int       `gorm:"not null;uniqueIndex:idx_job_seq,priority:2"`
	Time    time.Time `gorm:"not null"`
	Level   Level     `gorm:"size:8;not null"`
	Message string    `gorm:"type:text"`
}

func (logRow) TableName() string {
	return "sync_job_logs"
}

// SQLConfig selects the SQL driver.
type SQLConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	DSN    string
}

// SQLStore keeps jobs in a relational database through gorm.
type SQLStore struct {
	db  *gorm.DB
	cfg storeConfig
}

// OpenSQLStore connects and migrates the job tables.
func OpenSQLStore(c SQLConfig, opts ...StoreOption) (*SQLStore, error) {
	cfg := newStoreConfig(opts)
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch c.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.New(postgres.Config{
			DSN:                  c.DSN,
			PreferSimpleProtocol: true,
		}), gormConfig)
	case "sqlite", "":
		if dir := filepath.Dir(c.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(c.DSN), gormConfig)
		if err == nil {
			db.Exec("PRAGMA journal_mode=WAL")
			db.Exec("PRAGMA busy_timeout=5000")
		}
	default:
		return nil, fmt.Errorf("unsupported job store driver %q", c.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.Driver, err)
	}

	if c.Driver != "postgres" {
		// One writer keeps sqlite from returning SQLITE_BUSY under parallel claims.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&jobRow{}, &logRow{}); err != nil {
		return nil, fmt.Errorf("migrating job tables: %w", err)
	}

	cfg.logger.Debug("opened sql job store", "driver", c.Driver)
	return &SQLStore{db: db, cfg: cfg}, nil
}

func toRow(j *Job) jobRow {
	r := jobRow{
		ID:              j.ID,
		MirrorType:      j.MirrorType,
		Force:           j.Force,
		Status:          j.Status,
		Progress:        j.Progress,
		Total:           j.Total,
		Succeeded:       j.Succeeded,
		Failed:          j.Failed,
		Skipped:         j.Skipped,
		Error:           j.Error,
		CancelRequested: j.CancelRequested,
		ClaimedBy:       j.ClaimedBy,
		CreatedAt:       j.CreatedAt.UTC(),
		StartedAt:       utcPtr(j.StartedAt),
		CompletedAt:     utcPtr(j.CompletedAt),
	}
	if j.ClaimUntil != nil {
		n := j.ClaimUntil.UnixNano()
		r.ClaimUntil = &n
	}
	return r
}

func fromRow(r jobRow, logs []logRow) *Job {
	j := &Job{
		ID:              r.ID,
		MirrorType:      r.MirrorType,
		Force:           r.Force,
		Status:          r.Status,
		Progress:        r.Progress,
		Total:           r.Total,
		Succeeded:       r.Succeeded,
		Failed:          r.Failed,
		Skipped:         r.Skipped,
		Error:           r.Error,
		CancelRequested: r.CancelRequested,
		ClaimedBy:       r.ClaimedBy,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		Log:             make([]LogEntry, 0, len(logs)),
	}
	if r.ClaimUntil != nil {
		t := time.Unix(0, *r.ClaimUntil).UTC()
		j.ClaimUntil = &t
	}
	for _, l := range logs {
		j.Log = append(j.Log, LogEntry{Time: l.Time, Level: l.Level, Message: l.Message})
	}
	return j
}

// columns lists every mutable column so zero values are written too.
func columns(r jobRow) map[string]any {
	return map[string]any{
		"status":           r.Status,
		"progress":         r.Progress,
		"total":            r.Total,
		"succeeded":        r.Succeeded,
		"failed":           r.Failed,
		"skipped":          r.Skipped,
		"error":            r.Error,
		"cancel_requested": r.CancelRequested,
		"claimed_by":       r.ClaimedBy,
		"claim_until":      r.ClaimUntil,
		"started_at":       r.StartedAt,
		"completed_at":     r.CompletedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func appendLogs(tx *gorm.DB, id uint64, entries []LogEntry, from int) error {
	if from >= len(entries) {
		return nil
	}
	rows := make([]logRow, 0, len(entries)-from)
	for i := from; i < len(entries); i++ {
		e := entries[i]
		rows = append(rows, logRow{JobID: id, Seq: i, Time: e.Time.UTC(), Level: e.Level, Message: e.Message})
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("appending job log: %w", err)
	}
	return nil
}

// loadJob reads a job and its log. With forUpdate the job row stays locked
// until tx ends, so concurrent read-modify-write cycles on one job serialize.
// SQLite ignores the lock; its single connection already serializes writers.
func loadJob(tx *gorm.DB, id uint64, forUpdate bool) (*Job, error) {
	q := tx
	if forUpdate {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var r jobRow
	if err := q.First(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading job %d: %w", id, err)
	}
	var logs []logRow
	if err := tx.Where("job_id = ?", id).Order("seq").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("loading job %d log: %w", id, err)
	}
	return fromRow(r, logs), nil
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, j *Job) (uint64, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := toRow(j)
		r.ID = 0
		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		j.ID = r.ID
		return appendLogs(tx, j.ID, j.Log, 0)
	})
	if err != nil {
		return 0, fmt.Errorf("creating job: %w", err)
	}
	return j.ID, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id uint64) (*Job, error) {
	return loadJob(s.db.WithContext(ctx), id, false)
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{}).Order("id DESC")
	if f.MirrorType != "" {
		q = q.Where("mirror_type = ?", f.MirrorType)
	}
	if len(f.Status) > 0 {
		q = q.Where("status IN ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]uint64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var logs []logRow
	if err := s.db.WithContext(ctx).Where("job_id IN ?", ids).Order("job_id, seq").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("listing job logs: %w", err)
	}
	byJob := make(map[uint64][]logRow, len(rows))
	for _, l := range logs {
		byJob[l.JobID] = append(byJob[l.JobID], l)
	}

	jobs := make([]*Job, len(rows))
	for i, r := range rows {
		jobs[i] = fromRow(r, byJob[r.ID])
	}
	return jobs, nil
}

// Claim implements Store. The UPDATE repeats the claimable predicate so two
// workers racing on the same row cannot both win.
func (s *SQLStore) Claim(ctx context.Context, id uint64, owner string, lease time.Duration) (*Job, error) {
	now := s.cfg.now()
	var out *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := loadJob(tx, id, true)
		if err != nil {
			return err
		}
		logged := len(j.Log)
		if err := j.Claim(owner, lease, now); err != nil {
			return err
		}

		res := tx.Model(&jobRow{}).
			Where("id = ? AND (status = ? OR (status = ? AND claim_until < ?))",
				id, StatusPending, StatusRunning, now.UnixNano()).
			Updates(columns(toRow(j)))
		if res.Error != nil {
			return fmt.Errorf("claiming job %d: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			return ErrNotClaimable
		}
		if err := appendLogs(tx, id, j.Log, logged); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update implements Store.
func (s *SQLStore) Update(ctx context.Context, id uint64, fn func(*Job) error) (*Job, error) {
	var out *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := loadJob(tx, id, true)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return ErrTerminal
		}
		logged := len(j.Log)
		if err := fn(j); err != nil {
			return err
		}

		res := tx.Model(&jobRow{}).
			Where("id = ? AND status IN ?", id, activeStatuses).
			Updates(columns(toRow(j)))
		if res.Error != nil {
			return fmt.Errorf("updating job %d: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			return ErrTerminal
		}
		if err := appendLogs(tx, id, j.Log, logged); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindActive implements Store.
func (s *SQLStore) FindActive(ctx context.Context, mirrorType string) (*Job, error) {
	jobs, err := s.List(ctx, Filter{MirrorType: mirrorType, Status: activeStatuses, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

// Runnable implements Store.
func (s *SQLStore) Runnable(ctx context.Context, limit int) ([]uint64, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ? OR (status = ? AND claim_until < ?)", StatusPending, StatusRunning, s.cfg.now().UnixNano()).
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []uint64
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("scanning runnable jobs: %w", err)
	}
	return ids, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*SQLStore)(nil)
