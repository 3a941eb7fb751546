package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"background-job-queue/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
	dsn  string
	sql  sq.StatementBuilderType
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{
		pool: pool,
		dsn:  dsn,
		sql:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Close releases the pool.
func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Save upserts the job row by id.
func (s *Postgres) Save(ctx context.Context, job *models.Job) error {
	query, args, err := upsertJob(s.sql, job)
	if err != nil {
		return fmt.Errorf("save job: build query: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Update writes job if nobody else has written it since it was read.
func (s *Postgres) Update(ctx context.Context, job *models.Job) error {
	query, args, err := updateJob(s.sql, job)
	if err != nil {
		return fmt.Errorf("update job: build query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConflict, job.ID, job.Version)
	}
	job.Version++
	return nil
}

// FindByID fetches a job by id.
func (s *Postgres) FindByID(ctx context.Context, id string) (*models.Job, error) {
	query, args, err := selectByID(s.sql, id)
	if err != nil {
		return nil, fmt.Errorf("find job: build query: %w", err)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// FindByStatus lists jobs in status, oldest update first.
func (s *Postgres) FindByStatus(ctx context.Context, status models.Status, filter Filter) ([]*models.Job, error) {
	query, args, err := selectByStatus(s.sql, status, filter)
	if err != nil {
		return nil, fmt.Errorf("find jobs by status: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find jobs by status %s: %w", status, err)
	}
	defer rows.Close()

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

// CountByStatus returns the number of jobs in status.
func (s *Postgres) CountByStatus(ctx context.Context, status models.Status) (int64, error) {
	query, args, err := countByStatus(s.sql, status)
	if err != nil {
		return 0, fmt.Errorf("count jobs: build query: %w", err)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs %s: %w", status, err)
	}
	return n, nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	query, args, err := insertAudit(s.sql, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append audit: build query: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("append audit %s: %w", jobID, err)
	}
	return nil
}

// AuditTrail returns the recorded events for a job in insertion order.
func (s *Postgres) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	query, args, err := selectAudit(s.sql, jobID)
	if err != nil {
		return nil, fmt.Errorf("audit trail: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit trail %s: %w", jobID, err)
	}
	defer rows.Close()

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
