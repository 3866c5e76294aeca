package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/applyrun/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to an in-memory database is its own database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			company TEXT NOT NULL,
			role TEXT NOT NULL,
			location TEXT,
			apply_url TEXT,
			date_posted TEXT,
			ats TEXT,
			status TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			profile_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			phone TEXT,
			location TEXT,
			school TEXT,
			degree TEXT,
			grad_date TEXT,
			work_auth TEXT,
			links TEXT,
			skills TEXT,
			base_resume_url TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tailor_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			keywords TEXT,
			pdf_url TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tailor_results_job ON tailor_results(job_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			state TEXT NOT NULL,
			vnc_url TEXT,
			receipt_url TEXT,
			failure_reason TEXT,
			sandbox_handle TEXT,
			event_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts DATETIME NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, job_id, profile_id, state, vnc_url, sandbox_handle, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.ProfileID, run.State, nullString(run.VNCURL), nullString(run.SandboxHandle),
		run.CreatedAt, run.UpdatedAt)
	return err
}

const runColumns = `run_id, job_id, profile_id, state, vnc_url, receipt_url, failure_reason, sandbox_handle,
	event_count, created_at, updated_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*domain.Run, error) {
	var run domain.Run
	var vncURL, receiptURL, reason, handle sql.NullString
	var finishedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.JobID, &run.ProfileID, &run.State, &vncURL, &receiptURL, &reason, &handle,
		&run.EventCount, &run.CreatedAt, &run.UpdatedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.VNCURL = vncURL.String
	run.ReceiptURL = receiptURL.String
	run.FailureReason = domain.FailureReason(reason.String)
	run.SandboxHandle = handle.String
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateRun writes the mutable columns of a run.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	var finishedAt sql.NullTime
	if run.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *run.FinishedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, vnc_url = ?, receipt_url = ?, failure_reason = ?, sandbox_handle = ?,
			event_count = ?, updated_at = ?, finished_at = ?
		 WHERE run_id = ?`,
		run.State, nullString(run.VNCURL), nullString(run.ReceiptURL), nullString(string(run.FailureReason)),
		nullString(run.SandboxHandle), run.EventCount, run.UpdatedAt, finishedAt, run.ID)
	return err
}

// ListRuns lists runs newest first, optionally filtered by job.
func (s *SQLiteStore) ListRuns(ctx context.Context, jobID string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// AppendEvent appends one event to a run's history.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.StoredEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, event.Ts, event.Type, string(event.Payload))
	return err
}

// GetEvents returns a run's history in sequence order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]domain.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, ts, type, payload FROM run_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.StoredEvent
	for rows.Next() {
		var ev domain.StoredEvent
		var payload string
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Ts, &ev.Type, &payload); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UpsertJob inserts or replaces a job.
func (s *SQLiteStore) UpsertJob(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (job_id, company, role, location, apply_url, date_posted, ats, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Company, job.Role, nullString(job.Location), nullString(job.ApplyURL),
		nullString(job.DatePosted), nullString(job.ATS), nullString(job.Status))
	return err
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	var location, applyURL, datePosted, ats, status sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, company, role, location, apply_url, date_posted, ats, status FROM jobs WHERE job_id = ?`,
		jobID).Scan(&job.ID, &job.Company, &job.Role, &location, &applyURL, &datePosted, &ats, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.Location = location.String
	job.ApplyURL = applyURL.String
	job.DatePosted = datePosted.String
	job.ATS = ats.String
	job.Status = status.String
	return &job, nil
}

// UpsertProfile inserts or replaces a profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *domain.Profile) error {
	links, _ := json.Marshal(p.Links)
	skills, _ := json.Marshal(p.Skills)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO profiles (profile_id, name, email, phone, location, school, degree, grad_date,
			work_auth, links, skills, base_resume_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullString(p.Email), nullString(p.Phone), nullString(p.Location), nullString(p.School),
		nullString(p.Degree), nullString(p.GradDate), nullString(p.WorkAuth), string(links), string(skills),
		nullString(p.BaseResumeURL))
	return err
}

// GetProfile retrieves a profile by ID.
func (s *SQLiteStore) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	var p domain.Profile
	var email, phone, location, school, degree, gradDate, workAuth, links, skills, resume sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_id, name, email, phone, location, school, degree, grad_date, work_auth, links, skills,
			base_resume_url
		 FROM profiles WHERE profile_id = ?`, profileID).
		Scan(&p.ID, &p.Name, &email, &phone, &location, &school, &degree, &gradDate, &workAuth, &links, &skills, &resume)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Email = email.String
	p.Phone = phone.String
	p.Location = location.String
	p.School = school.String
	p.Degree = degree.String
	p.GradDate = gradDate.String
	p.WorkAuth = workAuth.String
	p.BaseResumeURL = resume.String
	if links.Valid && links.String != "" {
		_ = json.Unmarshal([]byte(links.String), &p.Links)
	}
	if skills.Valid && skills.String != "" {
		_ = json.Unmarshal([]byte(skills.String), &p.Skills)
	}
	return &p, nil
}

// CreateTailorResult records a tailoring output for a job.
func (s *SQLiteStore) CreateTailorResult(ctx context.Context, r *domain.TailorResult) error {
	keywords, _ := json.Marshal(r.Keywords)
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tailor_results (job_id, keywords, pdf_url, created_at) VALUES (?, ?, ?, ?)`,
		r.JobID, string(keywords), nullString(r.PDFURL), createdAt)
	return err
}

// GetLatestTailorResult returns the newest tailoring output for a job.
func (s *SQLiteStore) GetLatestTailorResult(ctx context.Context, jobID string) (*domain.TailorResult, error) {
	var r domain.TailorResult
	var keywords, pdfURL sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, keywords, pdf_url, created_at FROM tailor_results
		 WHERE job_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, jobID).
		Scan(&r.JobID, &keywords, &pdfURL, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.PDFURL = pdfURL.String
	if keywords.Valid && keywords.String != "" {
		_ = json.Unmarshal([]byte(keywords.String), &r.Keywords)
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
