// Package jobstore persists upload job status in SQLite so clients can poll
// ingestion progress and job history survives restarts.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bookshelfai/shelfrag/jobstore/migrations"
)

// ErrNotFound is returned when no job exists with the requested id.
var ErrNotFound = errors.New("jobstore: job not found")

// Status is the lifecycle state of an upload job.
type Status string

// Job statuses, in lifecycle order. A job ends in StatusDone or StatusError.
const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusEmbedding  Status = "embedding"
	StatusIndexed    Status = "indexed"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Job is one upload's ingestion record.
type Job struct {
	ID          string
	Status      Status
	Filename    string
	Title       string
	Author      string
	Genre       string
	UploaderID  string
	BookID      string
	ChunkCount  int
	VectorCount int
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is a SQLite-backed job store.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the job database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "jobs.db")

	// WAL mode: status polls run concurrently with ingestion updates.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}

	return nil
}

// Create inserts a new job. Zero timestamps are filled with the current time.
func (s *Store) Create(ctx context.Context, job Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	if job.Status == "" {
		job.Status = StatusUploaded
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_jobs
			(id, status, filename, title, author, genre, uploader_id, book_id,
			 chunk_count, vector_count, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.Status), job.Filename, job.Title, job.Author, job.Genre,
		job.UploaderID, job.BookID, job.ChunkCount, job.VectorCount, job.Error,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, filename, title, author, genre, uploader_id, book_id,
		       chunk_count, vector_count, error, created_at, updated_at
		FROM upload_jobs WHERE id = ?
	`, id)

	return scanJob(row)
}

// SetStatus transitions a job to the given status.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return s.update(ctx, id, "UPDATE upload_jobs SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC(), id)
}

// SetProgress records the chunk and vector counts produced so far.
func (s *Store) SetProgress(ctx context.Context, id string, chunkCount, vectorCount int) error {
	return s.update(ctx, id,
		"UPDATE upload_jobs SET chunk_count = ?, vector_count = ?, updated_at = ? WHERE id = ?",
		chunkCount, vectorCount, time.Now().UTC(), id)
}

// SetBook links a job to the book it produced.
func (s *Store) SetBook(ctx context.Context, id, bookID string) error {
	return s.update(ctx, id, "UPDATE upload_jobs SET book_id = ?, updated_at = ? WHERE id = ?",
		bookID, time.Now().UTC(), id)
}

// Fail marks a job as failed with the given message.
func (s *Store) Fail(ctx context.Context, id, msg string) error {
	return s.update(ctx, id, "UPDATE upload_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		string(StatusError), msg, time.Now().UTC(), id)
}

// ListByUploader returns all jobs for an uploader, newest first.
func (s *Store) ListByUploader(ctx context.Context, uploaderID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, filename, title, author, genre, uploader_id, book_id,
		       chunk_count, vector_count, error, created_at, updated_at
		FROM upload_jobs WHERE uploader_id = ?
		ORDER BY created_at DESC, id
	`, uploaderID)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		var status string
		if err := rows.Scan(&job.ID, &status, &job.Filename, &job.Title, &job.Author,
			&job.Genre, &job.UploaderID, &job.BookID, &job.ChunkCount, &job.VectorCount,
			&job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		job.Status = Status(status)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var job Job
	var status string
	if err := row.Scan(&job.ID, &status, &job.Filename, &job.Title, &job.Author,
		&job.Genre, &job.UploaderID, &job.BookID, &job.ChunkCount, &job.VectorCount,
		&job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	job.Status = Status(status)
	return &job, nil
}
