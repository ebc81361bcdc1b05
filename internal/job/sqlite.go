package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// foreign_keys is a per-connection pragma, so it rides on the DSN.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recordings (
			id          TEXT PRIMARY KEY,
			owner       TEXT NOT NULL,
			group_name  TEXT NOT NULL,
			media_path  TEXT NOT NULL,
			created_at  DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			recording_id TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
			status       TEXT NOT NULL DEFAULT 'PENDING',
			log          TEXT NOT NULL DEFAULT '',
			callback_url TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			started_at   DATETIME,
			finished_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at   ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_recording_id ON jobs(recording_id);
		CREATE TABLE IF NOT EXISTS transcripts (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
			text   TEXT NOT NULL,
			chunks TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS summaries (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
			text   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS notes (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
			text   TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRecording(ctx context.Context, r *Recording) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (id, owner, group_name, media_path, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Owner, r.Group, r.MediaPath, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRecording(ctx context.Context, id string) (*Recording, error) {
	r := &Recording{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, group_name, media_path, created_at
		FROM recordings WHERE id = ?
	`, id).Scan(&r.ID, &r.Owner, &r.Group, &r.MediaPath, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get recording %s: %w", id, err)
	}
	return r, nil
}

// DeleteRecording removes a recording together with its jobs and artifacts.
func (s *SQLiteStore) DeleteRecording(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete recording %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, recording_id, status, log, callback_url, created_at)
		VALUES (?, ?, ?, '', ?, ?)
	`, j.ID, j.RecordingID, StatusPending, j.CallbackURL, j.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const jobColumns = `id, recording_id, status, log, callback_url, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&j.ID, &j.RecordingID, &j.Status, &j.Log, &j.CallbackURL,
		&j.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`, StatusRunning, at.UTC(), id, StatusPending)
	if err != nil {
		return fmt.Errorf("mark running for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", id, ErrNotPending)
}

func (s *SQLiteStore) Finish(ctx context.Context, id string, status Status, log string, at time.Time) error {
	if !StatusRunning.CanTransition(status) {
		return fmt.Errorf("finish job %s as %s: %w", id, status, ErrInvalidTransition)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, log = ?, finished_at = ? WHERE id = ? AND status = ?
	`, status, log, at.UTC(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", id, ErrNotRunning)
}

func (s *SQLiteStore) FailRunning(ctx context.Context, log string, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ids, err := queryIDs(ctx, tx, `SELECT id FROM jobs WHERE status = ? ORDER BY created_at`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, log = ?, finished_at = ? WHERE status = ?
	`, StatusFailed, log, at.UTC(), StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("fail running jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]string, error) {
	ids, err := queryIDs(ctx, s.db, `SELECT id FROM jobs WHERE status = ? ORDER BY created_at`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return ids, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, recordingID string, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	var args []any
	if recordingID != "" {
		where = " WHERE recording_id = ?"
		args = append(args, recordingID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

func (s *SQLiteStore) SaveTranscript(ctx context.Context, t *Transcript) error {
	chunks := t.Chunks
	if chunks == nil {
		chunks = []Chunk{}
	}
	raw, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("encode chunks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (job_id, text, chunks) VALUES (?, ?, ?)
	`, t.JobID, t.Text, string(raw)); err != nil {
		return fmt.Errorf("save transcript for job %s: %w", t.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, sm *Summary) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (job_id, text) VALUES (?, ?)
	`, sm.JobID, sm.Text); err != nil {
		return fmt.Errorf("save summary for job %s: %w", sm.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveNotes(ctx context.Context, n *Notes) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (job_id, text) VALUES (?, ?)
	`, n.JobID, n.Text); err != nil {
		return fmt.Errorf("save notes for job %s: %w", n.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTranscript(ctx context.Context, jobID string) (*Transcript, error) {
	t := &Transcript{JobID: jobID}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT text, chunks FROM transcripts WHERE job_id = ?`, jobID).
		Scan(&t.Text, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transcript for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript for job %s: %w", jobID, err)
	}
	if err := json.Unmarshal([]byte(raw), &t.Chunks); err != nil {
		return nil, fmt.Errorf("decode chunks for job %s: %w", jobID, err)
	}
	return t, nil
}

func (s *SQLiteStore) GetSummary(ctx context.Context, jobID string) (*Summary, error) {
	text, err := s.getText(ctx, "summaries", jobID)
	if err != nil {
		return nil, err
	}
	return &Summary{JobID: jobID, Text: text}, nil
}

func (s *SQLiteStore) GetNotes(ctx context.Context, jobID string) (*Notes, error) {
	text, err := s.getText(ctx, "notes", jobID)
	if err != nil {
		return nil, err
	}
	return &Notes{JobID: jobID, Text: text}, nil
}

// getText reads the text column of a single-text artifact table. table is
// always a constant from this file.
func (s *SQLiteStore) getText(ctx context.Context, table, jobID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM `+table+` WHERE job_id = ?`, jobID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s for job %s: %w", table, jobID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get %s for job %s: %w", table, jobID, err)
	}
	return text, nil
}
