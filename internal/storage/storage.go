package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure Go driver and the default.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver.
	DriverMattn = "sqlite3"
)

// Store wraps SQLite-backed persistence for jobs, shifts and stacks.
type Store struct {
	DB     *sql.DB // Export for direct database access
	driver string
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open(DriverModernc, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverMattn:
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// one writer keeps the pipeline workers from hitting SQLITE_BUSY
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, driver: driver}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Driver reports the database/sql driver in use.
func (s *Store) Driver() string { return s.driver }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alignment_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_shifts (
            job_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            frame_name TEXT,
            shift_px REAL,
            status TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (job_id, frame_index)
        );`,
		`CREATE TABLE IF NOT EXISTS stack_groups (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            group_type TEXT,
            detection_method TEXT,
            base_path TEXT,
            frame_count INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_groups_job_id ON stack_groups(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// FrameShiftRecord is the registration outcome of one frame.
type FrameShiftRecord struct {
	JobID  string
	Index  int
	Name   string
	Shift  float64 // NaN when the frame failed
	Status string
}

// StackGroupRecord captures a discovered stack.
type StackGroupRecord struct {
	JobID           string
	GroupType       string
	DetectionMethod string
	BasePath        string
	FrameCount      int
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO alignment_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE alignment_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE alignment_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// Job returns one job by id.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	recs, err := s.queryJobs(`WHERE id=?`, id)
	if err != nil {
		return JobRecord{}, err
	}
	if len(recs) == 0 {
		return JobRecord{}, sql.ErrNoRows
	}
	return recs[0], nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return s.queryJobs(`ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

func (s *Store) queryJobs(clause string, args ...any) ([]JobRecord, error) {
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM alignment_jobs `+clause+`;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var input, output, opts, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &opts, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.InputPath = input.String
		rec.OutputPath = output.String
		rec.OptionsJSON = opts.String
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordFrameShifts replaces the per-frame results of a job.
func (s *Store) RecordFrameShifts(jobID string, recs []FrameShiftRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM frame_shifts WHERE job_id=?;`, jobID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO frame_shifts (job_id, frame_index, frame_name, shift_px, status) VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range recs {
		var shift sql.NullFloat64
		if !math.IsNaN(rec.Shift) {
			shift = sql.NullFloat64{Float64: rec.Shift, Valid: true}
		}
		if _, err := stmt.Exec(jobID, rec.Index, rec.Name, shift, rec.Status); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FrameShifts returns the per-frame results of a job in frame order.
func (s *Store) FrameShifts(jobID string) ([]FrameShiftRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT frame_index, frame_name, shift_px, status FROM frame_shifts WHERE job_id=? ORDER BY frame_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FrameShiftRecord
	for rows.Next() {
		rec := FrameShiftRecord{JobID: jobID}
		var name sql.NullString
		var shift sql.NullFloat64
		if err := rows.Scan(&rec.Index, &name, &shift, &rec.Status); err != nil {
			return nil, err
		}
		rec.Name = name.String
		rec.Shift = math.NaN()
		if shift.Valid {
			rec.Shift = shift.Float64
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordGroup persists a discovered stack.
func (s *Store) RecordGroup(rec StackGroupRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO stack_groups (job_id, group_type, detection_method, base_path, frame_count) VALUES (?, ?, ?, ?, ?);`,
		rec.JobID, rec.GroupType, rec.DetectionMethod, rec.BasePath, rec.FrameCount)
	return err
}

// Groups returns the stacks recorded for a job.
func (s *Store) Groups(jobID string) ([]StackGroupRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT group_type, detection_method, base_path, frame_count FROM stack_groups WHERE job_id=? ORDER BY id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []StackGroupRecord
	for rows.Next() {
		rec := StackGroupRecord{JobID: jobID}
		if err := rows.Scan(&rec.GroupType, &rec.DetectionMethod, &rec.BasePath, &rec.FrameCount); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
