package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"MailCadence/internal/models"
)

// SQLiteStore keeps jobs in the dispatch_jobs table of an embedded database.
// The database runs with a single connection, so each statement is atomic
// with respect to every other caller.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Enqueue(ctx context.Context, job models.Job) error {
	payload, err := encodePayload(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO dispatch_jobs (id, due_at, seq, payload, claimed_at)
VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM dispatch_jobs), ?, NULL)
ON CONFLICT (id) DO UPDATE SET
  due_at = excluded.due_at,
  seq = excluded.seq,
  payload = excluded.payload,
  claimed_at = NULL`,
		job.ID, job.DueAt.UnixMilli(), string(payload))
	if err != nil {
		return models.Unavailable("enqueue", err)
	}
	return nil
}

func (s *SQLiteStore) DequeueDue(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	nowMS := now.UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
UPDATE dispatch_jobs SET claimed_at = ?
WHERE id IN (
  SELECT id FROM dispatch_jobs
  WHERE claimed_at IS NULL AND due_at <= ?
  ORDER BY due_at, seq
  LIMIT ?
)
RETURNING id, due_at, seq, payload, claimed_at`, nowMS, nowMS, limit)
	if err != nil {
		return nil, models.Unavailable("dequeue", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Unavailable("dequeue", err)
	}

	sortJobs(jobs)
	return jobs, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_jobs WHERE id = ?`, id); err != nil {
		return models.Unavailable("remove job", err)
	}
	return nil
}

func (s *SQLiteStore) RecoverClaims(ctx context.Context, claimedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_jobs SET claimed_at = NULL WHERE claimed_at IS NOT NULL AND claimed_at < ?`,
		claimedBefore.UnixMilli())
	if err != nil {
		return 0, models.Unavailable("recover claims", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, models.Unavailable("recover claims", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, due_at, seq, payload, claimed_at FROM dispatch_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, err
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (models.QueueStats, error) {
	var st models.QueueStats
	err := s.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN claimed_at IS NULL THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN claimed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN claimed_at IS NULL AND due_at <= ? THEN 1 ELSE 0 END), 0)
FROM dispatch_jobs`, now.UnixMilli()).Scan(&st.Pending, &st.Claimed, &st.Due)
	if err != nil {
		return models.QueueStats{}, models.Unavailable("queue stats", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scanner) (models.Job, error) {
	var (
		job     models.Job
		dueAt   int64
		payload string
		claimed sql.NullInt64
	)
	if err := row.Scan(&job.ID, &dueAt, &job.Seq, &payload, &claimed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, models.Unavailable("scan job", err)
	}

	p, err := decodePayload([]byte(payload))
	if err != nil {
		return models.Job{}, fmt.Errorf("decode payload for job %s: %w", job.ID, err)
	}
	job.Payload = p
	job.DueAt = time.UnixMilli(dueAt).UTC()
	if claimed.Valid {
		t := time.UnixMilli(claimed.Int64).UTC()
		job.ClaimedAt = &t
	}
	return job, nil
}
