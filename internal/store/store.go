// Package store persists job records. Two durable backends share one schema:
// Postgres through pgxpool for multi-worker deployments and SQLite through
// database/sql for single-node installs and tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"background-job-queue/internal/models"
)

// ErrNotFound is returned when no job exists for the requested id.
var ErrNotFound = errors.New("job not found")

// ErrConflict is returned by Update when the stored record changed since it was read.
var ErrConflict = errors.New("job changed concurrently")

// Store is the durable job record store used by the queue.
//
// Save must upsert atomically by id. Implementations do not need cross-record
// transactions, but concurrent saves of different records must not interfere.
//
// Update is the compare-and-swap used for state changes: it writes job only
// while the stored version equals job.Version, returns ErrConflict otherwise,
// and on success advances job.Version.
type Store interface {
	Save(ctx context.Context, job *models.Job) error
	Update(ctx context.Context, job *models.Job) error
	FindByID(ctx context.Context, id string) (*models.Job, error)
	FindByStatus(ctx context.Context, status models.Status, filter Filter) ([]*models.Job, error)
	CountByStatus(ctx context.Context, status models.Status) (int64, error)
	Close() error
}

// Auditor records lifecycle events next to the job rows.
type Auditor interface {
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Filter narrows FindByStatus. Zero values are ignored.
type Filter struct {
	Type          string
	UpdatedBefore time.Time
	RunBefore     time.Time
	Limit         int
}

var jobColumns = []string{
	"id", "type", "payload", "status", "priority", "progress", "attempts", "max_attempts",
	"delay_ms", "timeout_ms", "result", "error", "run_at", "created_at", "updated_at",
	"started_at", "completed_at", "failed_at", "cancelled_at", "processed_by", "version",
}

func jobValues(j *models.Job) []any {
	payload := []byte(j.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	return []any{
		j.ID, j.Type, payload, string(j.Status), j.Priority, j.Progress, j.Attempts, j.MaxAttempts,
		j.DelayMS, j.TimeoutMS, nullJSON(j.Result), nullString(j.Error), j.RunAt.UTC(), j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.FailedAt), nullTime(j.CancelledAt), j.ProcessedBy,
		j.Version,
	}
}

// upsertJob builds an INSERT ... ON CONFLICT statement understood by both
// Postgres and SQLite.
func upsertJob(b sq.StatementBuilderType, j *models.Job) (string, []any, error) {
	sets := make([]string, 0, len(jobColumns)-1)
	for _, c := range jobColumns[1:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return b.Insert("jobs").
		Columns(jobColumns...).
		Values(jobValues(j)...).
		Suffix("ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")).
		ToSql()
}

// updateJob builds an UPDATE that only matches the version j was read at.
func updateJob(b sq.StatementBuilderType, j *models.Job) (string, []any, error) {
	ub := b.Update("jobs")
	values := jobValues(j)
	for i, c := range jobColumns {
		if c == "id" || c == "version" {
			continue
		}
		ub = ub.Set(c, values[i])
	}
	return ub.Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": j.ID}).
		Where(sq.Eq{"version": j.Version}).
		ToSql()
}

func selectByID(b sq.StatementBuilderType, id string) (string, []any, error) {
	return b.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": id}).ToSql()
}

func selectByStatus(b sq.StatementBuilderType, status models.Status, f Filter) (string, []any, error) {
	sb := b.Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("updated_at ASC", "id ASC")
	if f.Type != "" {
		sb = sb.Where(sq.Eq{"type": f.Type})
	}
	if !f.UpdatedBefore.IsZero() {
		sb = sb.Where(sq.Lt{"updated_at": f.UpdatedBefore.UTC()})
	}
	if !f.RunBefore.IsZero() {
		sb = sb.Where(sq.Lt{"run_at": f.RunBefore.UTC()})
	}
	if f.Limit > 0 {
		sb = sb.Limit(uint64(f.Limit))
	}
	return sb.ToSql()
}

func countByStatus(b sq.StatementBuilderType, status models.Status) (string, []any, error) {
	return b.Select("COUNT(*)").From("jobs").Where(sq.Eq{"status": string(status)}).ToSql()
}

func insertAudit(b sq.StatementBuilderType, jobID, event, detail string) (string, []any, error) {
	return b.Insert("job_audit").
		Columns("job_id", "event", "detail", "recorded_at").
		Values(jobID, event, detail, time.Now().UTC()).
		ToSql()
}

func selectAudit(b sq.StatementBuilderType, jobID string) (string, []any, error) {
	return b.Select("job_id", "event", "detail", "recorded_at").
		From("job_audit").
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("id ASC").
		ToSql()
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j                                     models.Job
		status                                string
		payload, result                       []byte
		errMsg                                sql.NullString
		started, completed, failed, cancelled sql.NullTime
	)
	if err := row.Scan(
		&j.ID, &j.Type, &payload, &status, &j.Priority, &j.Progress, &j.Attempts, &j.MaxAttempts,
		&j.DelayMS, &j.TimeoutMS, &result, &errMsg, &j.RunAt, &j.CreatedAt, &j.UpdatedAt,
		&started, &completed, &failed, &cancelled, &j.ProcessedBy, &j.Version,
	); err != nil {
		return nil, err
	}
	j.Status = models.Status(status)
	j.Payload = payload
	if len(result) > 0 {
		j.Result = result
	}
	if errMsg.Valid {
		j.Error = &errMsg.String
	}
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	j.FailedAt = timePtr(failed)
	j.CancelledAt = timePtr(cancelled)
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
