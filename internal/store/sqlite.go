package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"background-job-queue/internal/models"
)

// SQLite persists jobs in a single local database file.
type SQLite struct {
	db  *sql.DB
	sql sq.StatementBuilderType
}

// NewSQLite opens (or creates) the database at path in WAL mode.
func NewSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; WAL readers are unaffected.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{
		db:  db,
		sql: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Save(ctx context.Context, job *models.Job) error {
	query, args, err := upsertJob(s.sql, job)
	if err != nil {
		return fmt.Errorf("save job: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, job *models.Job) error {
	query, args, err := updateJob(s.sql, job)
	if err != nil {
		return fmt.Errorf("update job: build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConflict, job.ID, job.Version)
	}
	job.Version++
	return nil
}

func (s *SQLite) FindByID(ctx context.Context, id string) (*models.Job, error) {
	query, args, err := selectByID(s.sql, id)
	if err != nil {
		return nil, fmt.Errorf("find job: build query: %w", err)
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) FindByStatus(ctx context.Context, status models.Status, filter Filter) ([]*models.Job, error) {
	query, args, err := selectByStatus(s.sql, status, filter)
	if err != nil {
		return nil, fmt.Errorf("find jobs by status: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find jobs by status %s: %w", status, err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find jobs by status %s: %w", status, err)
	}
	return jobs, nil
}

func (s *SQLite) CountByStatus(ctx context.Context, status models.Status) (int64, error) {
	query, args, err := countByStatus(s.sql, status)
	if err != nil {
		return 0, fmt.Errorf("count jobs: build query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs %s: %w", status, err)
	}
	return n, nil
}

func (s *SQLite) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	query, args, err := insertAudit(s.sql, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append audit: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append audit %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLite) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	query, args, err := selectAudit(s.sql, jobID)
	if err != nil {
		return nil, fmt.Errorf("audit trail: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit trail %s: %w", jobID, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
