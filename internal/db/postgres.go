package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"MailCadence/internal/models"
)

type PostgresStore struct {
	Pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgres(ctx context.Context, conn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &PostgresStore{Pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *PostgresStore) ResolveSender(ctx context.Context, userID, email, name string) (models.Sender, error) {
	createName := name
	if createName == "" {
		createName = models.DefaultSenderName
	}

	var sender models.Sender
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO senders (id, user_id, email, name, created_at)
		 VALUES ($1,$2,$3,$4,NOW())
		 ON CONFLICT (user_id, email) DO UPDATE
		 SET name = CASE WHEN $5 <> '' THEN $5 ELSE senders.name END
		 RETURNING id, user_id, email, name, created_at`,
		uuid.NewString(),
		userID,
		email,
		createName,
		name,
	).Scan(&sender.ID, &sender.UserID, &sender.Email, &sender.Name, &sender.CreatedAt)
	if err != nil {
		return models.Sender{}, models.Unavailable("resolve sender", err)
	}

	return sender, nil
}

func (s *PostgresStore) GetSender(ctx context.Context, id string) (models.Sender, error) {
	var sender models.Sender
	err := s.Pool.QueryRow(ctx,
		`SELECT id, user_id, email, name, created_at FROM senders WHERE id=$1`,
		id,
	).Scan(&sender.ID, &sender.UserID, &sender.Email, &sender.Name, &sender.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Sender{}, fmt.Errorf("sender %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Sender{}, models.Unavailable("get sender", err)
	}

	return sender, nil
}

func (s *PostgresStore) CreateRecords(ctx context.Context, records []models.ScheduledEmail) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		status := r.Status
		if status == "" {
			status = models.StatusScheduled
		}
		batch.Queue(
			`INSERT INTO scheduled_emails
			 (id, user_id, sender_id, recipient_email, subject, body, batch_id,
			  scheduled_time, status, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())`,
			r.ID,
			r.UserID,
			r.SenderID,
			r.RecipientEmail,
			r.Subject,
			r.Body,
			r.BatchID,
			r.ScheduledTime,
			string(status),
		)
	}

	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return models.Unavailable("create records", err)
	}

	return nil
}

func (s *PostgresStore) DeleteRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.Pool.Exec(ctx, `DELETE FROM scheduled_emails WHERE id = ANY($1)`, ids)
	if err != nil {
		return models.Unavailable("delete records", err)
	}

	return nil
}

const pgRecordColumns = `
	e.id, e.user_id, e.sender_id, e.recipient_email, e.subject, e.body, e.batch_id,
	e.scheduled_time, e.status, e.sent_time, e.failure_reason, e.external_job_ref,
	e.message_id, e.created_at, e.updated_at,
	s.id, s.user_id, s.email, s.name, s.created_at`

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (models.ScheduledEmail, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+`
		 FROM scheduled_emails e LEFT JOIN senders s ON s.id = e.sender_id
		 WHERE e.id=$1`,
		id,
	)

	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledEmail{}, fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.ScheduledEmail{}, models.Unavailable("get record", err)
	}

	return rec, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, u models.StatusUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}

	tag, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status=$1,
		     sent_time=$2,
		     failure_reason=$3,
		     message_id=NULLIF($4, ''),
		     external_job_ref=NULLIF($5, ''),
		     updated_at=NOW()
		 WHERE id=$6 AND status='scheduled'`,
		string(u.Status),
		u.SentTime,
		u.FailureReason,
		u.MessageID,
		u.ExternalJobRef,
		id,
	)
	if err != nil {
		return models.Unavailable("update status", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.GetRecord(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("record %s: %w", id, models.ErrAlreadyTerminal)
}

func (s *PostgresStore) FindByBatch(ctx context.Context, userID, batchID string) ([]models.ScheduledEmail, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+pgRecordColumns+`
		 FROM scheduled_emails e LEFT JOIN senders s ON s.id = e.sender_id
		 WHERE e.user_id=$1 AND e.batch_id=$2
		 ORDER BY e.scheduled_time ASC, e.created_at ASC, e.id ASC`,
		userID,
		batchID,
	)
	if err != nil {
		return nil, models.Unavailable("find batch", err)
	}
	defer rows.Close()

	return scanPgRecords(rows)
}

func (s *PostgresStore) ListByUserAndStatus(ctx context.Context, userID string, statuses []models.EmailStatus, page, limit int) (models.Page, error) {
	page, limit = models.NormalizePage(page, limit)

	where := `e.user_id=$1`
	args := []any{userID}
	if len(statuses) > 0 {
		where += ` AND e.status = ANY($2)`
		args = append(args, statusStrings(statuses))
	}

	var total int
	if err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scheduled_emails e WHERE `+where, args...,
	).Scan(&total); err != nil {
		return models.Page{}, models.Unavailable("count records", err)
	}

	order := `COALESCE(e.sent_time, e.updated_at) DESC, e.id ASC`
	if scheduledOnly(statuses) {
		order = `e.scheduled_time ASC, e.created_at ASC, e.id ASC`
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s
		 FROM scheduled_emails e LEFT JOIN senders s ON s.id = e.sender_id
		 WHERE %s
		 ORDER BY %s
		 LIMIT $%d OFFSET $%d`, pgRecordColumns, where, order, n+1, n+2)

	rows, err := s.Pool.Query(ctx, query, append(args, limit, (page-1)*limit)...)
	if err != nil {
		return models.Page{}, models.Unavailable("list records", err)
	}
	defer rows.Close()

	items, err := scanPgRecords(rows)
	if err != nil {
		return models.Page{}, err
	}

	return models.Page{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
		Pages: models.PageCount(total, limit),
	}, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, userID string) (map[models.EmailStatus]int, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM scheduled_emails WHERE user_id=$1 GROUP BY status`,
		userID,
	)
	if err != nil {
		return nil, models.Unavailable("count by status", err)
	}
	defer rows.Close()

	counts := map[models.EmailStatus]int{
		models.StatusScheduled: 0,
		models.StatusSent:      0,
		models.StatusFailed:    0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, models.Unavailable("count by status", err)
		}
		counts[models.EmailStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, models.Unavailable("count by status", err)
	}

	return counts, nil
}

func scanPgRecord(row pgx.Row) (models.ScheduledEmail, error) {
	var (
		r      models.ScheduledEmail
		status string

		senderID, senderUser, senderEmail, senderName *string
		senderCreated                                 *time.Time
	)
	err := row.Scan(
		&r.ID, &r.UserID, &r.SenderID, &r.RecipientEmail, &r.Subject, &r.Body, &r.BatchID,
		&r.ScheduledTime, &status, &r.SentTime, &r.FailureReason, &r.ExternalJobRef,
		&r.MessageID, &r.CreatedAt, &r.UpdatedAt,
		&senderID, &senderUser, &senderEmail, &senderName, &senderCreated,
	)
	if err != nil {
		return models.ScheduledEmail{}, err
	}

	r.Status = models.EmailStatus(status)
	if senderID != nil {
		r.Sender = &models.Sender{
			ID:     *senderID,
			UserID: deref(senderUser),
			Email:  deref(senderEmail),
			Name:   deref(senderName),
		}
		if senderCreated != nil {
			r.Sender.CreatedAt = *senderCreated
		}
	}

	return r, nil
}

func scanPgRecords(rows pgx.Rows) ([]models.ScheduledEmail, error) {
	var out []models.ScheduledEmail
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, models.Unavailable("scan record", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Unavailable("scan record", err)
	}

	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
