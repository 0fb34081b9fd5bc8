package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"avatarctl/internal/entity"
)

// Job is one started generation job.
type Job struct {
	Key           entity.Key
	Label         string
	Status        entity.Status
	Class         entity.StatusClass
	Degraded      bool
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const jobColumns = `kind, entity_id, label, status, class, degraded, failure_reason, created_at, updated_at`

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseClass(value string) entity.StatusClass {
	switch value {
	case entity.TerminalSuccess.String():
		return entity.TerminalSuccess
	case entity.TerminalFailure.String():
		return entity.TerminalFailure
	default:
		return entity.NonTerminal
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		kind, id, label, status, class, failure string
		degraded                                int
		created, updated                        string
	)
	if err := row.Scan(&kind, &id, &label, &status, &class, &degraded, &failure, &created, &updated); err != nil {
		return nil, err
	}
	job := &Job{
		Key:           entity.NewKey(entity.Kind(kind), id),
		Label:         label,
		Status:        entity.Status(status),
		Class:         parseClass(class),
		Degraded:      degraded != 0,
		FailureReason: failure,
	}
	var err error
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", job.Key, err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", job.Key, err)
	}
	return job, nil
}

// Record stores a newly started job. Recording a key again restarts it: the
// status and degraded flag are reset while created_at is kept.
func (s *Store) Record(ctx context.Context, key entity.Key, label string, status entity.Status) (*Job, error) {
	if key.IsZero() || key.IsList() {
		return nil, fmt.Errorf("record job: invalid key %q", key)
	}
	now := formatTime(time.Now())
	class := entity.Classify(key.Kind, status).String()
	_, err := s.execWithRetry(ctx, `
INSERT INTO jobs (kind, entity_id, label, status, class, degraded, failure_reason, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)
ON CONFLICT (kind, entity_id) DO UPDATE SET
    label = CASE WHEN excluded.label <> '' THEN excluded.label ELSE jobs.label END,
    status = excluded.status,
    class = excluded.class,
    degraded = 0,
    failure_reason = '',
    updated_at = excluded.updated_at`,
		string(key.Kind), key.ID, strings.TrimSpace(label), string(status), class, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("record job %s: %w", key, err)
	}
	return s.Get(ctx, key)
}

// UpdateStatus stores the latest observed status of a recorded job. Unknown
// keys are ignored.
func (s *Store) UpdateStatus(ctx context.Context, key entity.Key, status entity.Status, failureReason string) error {
	class := entity.Classify(key.Kind, status).String()
	_, err := s.execWithRetry(ctx, `
UPDATE jobs SET status = ?, class = ?, failure_reason = ?, updated_at = ?
WHERE kind = ? AND entity_id = ? AND (status <> ? OR failure_reason <> ?)`,
		string(status), class, strings.TrimSpace(failureReason), formatTime(time.Now()),
		string(key.Kind), key.ID, string(status), strings.TrimSpace(failureReason),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", key, err)
	}
	return nil
}

// SetDegraded flags or clears the degraded marker of a recorded job.
func (s *Store) SetDegraded(ctx context.Context, key entity.Key, degraded bool) error {
	flag := 0
	if degraded {
		flag = 1
	}
	_, err := s.execWithRetry(ctx,
		`UPDATE jobs SET degraded = ?, updated_at = ? WHERE kind = ? AND entity_id = ?`,
		flag, formatTime(time.Now()), string(key.Kind), key.ID,
	)
	if err != nil {
		return fmt.Errorf("flag job %s: %w", key, err)
	}
	return nil
}

// Get returns the job recorded for key, or nil when there is none.
func (s *Store) Get(ctx context.Context, key entity.Key) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE kind = ? AND entity_id = ?`,
		string(key.Kind), key.ID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", key, err)
	}
	return job, nil
}

// Active returns jobs that have not reached a terminal status, oldest first.
func (s *Store) Active(ctx context.Context) ([]Job, error) {
	return s.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE class = ? ORDER BY created_at, kind, entity_id`,
		entity.NonTerminal.String(),
	)
}

// List returns the most recently updated jobs. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY updated_at DESC, kind, entity_id`
	if limit > 0 {
		return s.query(ctx, query+` LIMIT ?`, limit)
	}
	return s.query(ctx, query)
}

// Remove deletes the job recorded for key.
func (s *Store) Remove(ctx context.Context, key entity.Key) error {
	_, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE kind = ? AND entity_id = ?`, string(key.Kind), key.ID)
	if err != nil {
		return fmt.Errorf("remove job %s: %w", key, err)
	}
	return nil
}

// Prune deletes terminal jobs last updated before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM jobs WHERE class <> ? AND updated_at < ?`,
		entity.NonTerminal.String(), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
