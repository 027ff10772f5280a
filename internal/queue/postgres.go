package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"MailCadence/internal/models"
)

// PostgresStore keeps jobs in the dispatch_jobs table. Concurrent dequeues
// skip rows another transaction has locked, so no job is claimed twice.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) Enqueue(ctx context.Context, job models.Job) error {
	payload, err := encodePayload(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO dispatch_jobs (id, due_at, seq, payload, claimed_at)
		 VALUES ($1, $2, nextval('dispatch_jobs_seq'), $3, NULL)
		 ON CONFLICT (id) DO UPDATE
		 SET due_at=EXCLUDED.due_at,
		     seq=EXCLUDED.seq,
		     payload=EXCLUDED.payload,
		     claimed_at=NULL`,
		job.ID,
		job.DueAt,
		payload,
	)
	if err != nil {
		return models.Unavailable("enqueue", err)
	}

	return nil
}

func (s *PostgresStore) DequeueDue(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := s.Pool.Query(ctx,
		`UPDATE dispatch_jobs SET claimed_at=$1
		 WHERE id IN (
		   SELECT id FROM dispatch_jobs
		   WHERE claimed_at IS NULL AND due_at <= $1
		   ORDER BY due_at, seq
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, due_at, seq, payload, claimed_at`,
		now,
		lim,
	)
	if err != nil {
		return nil, models.Unavailable("dequeue", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
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

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	if _, err := s.Pool.Exec(ctx, `DELETE FROM dispatch_jobs WHERE id=$1`, id); err != nil {
		return models.Unavailable("remove job", err)
	}
	return nil
}

func (s *PostgresStore) RecoverClaims(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE dispatch_jobs SET claimed_at=NULL
		 WHERE claimed_at IS NOT NULL AND claimed_at < $1`,
		claimedBefore,
	)
	if err != nil {
		return 0, models.Unavailable("recover claims", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT id, due_at, seq, payload, claimed_at FROM dispatch_jobs WHERE id=$1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, err
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (models.QueueStats, error) {
	var st models.QueueStats
	err := s.Pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE claimed_at IS NULL),
		   COUNT(*) FILTER (WHERE claimed_at IS NOT NULL),
		   COUNT(*) FILTER (WHERE claimed_at IS NULL AND due_at <= $1)
		 FROM dispatch_jobs`,
		now,
	).Scan(&st.Pending, &st.Claimed, &st.Due)
	if err != nil {
		return models.QueueStats{}, models.Unavailable("queue stats", err)
	}
	return st, nil
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var (
		job     models.Job
		payload []byte
	)
	if err := row.Scan(&job.ID, &job.DueAt, &job.Seq, &payload, &job.ClaimedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, models.Unavailable("scan job", err)
	}

	p, err := decodePayload(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("decode payload for job %s: %w", job.ID, err)
	}
	job.Payload = p
	return job, nil
}
