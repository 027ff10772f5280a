package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"MailCadence/internal/models"
)

// SQLiteStore implements Store on an embedded SQLite database. Times are
// stored as unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(sqlDB *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: sqlDB, now: time.Now}
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() { s.db.Close() }

func (s *SQLiteStore) ResolveSender(ctx context.Context, userID, email, name string) (models.Sender, error) {
	id := uuid.NewString()
	createName := name
	if createName == "" {
		createName = models.DefaultSenderName
	}

	row := s.db.QueryRowContext(ctx, `
INSERT INTO senders (id, user_id, email, name, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id, email) DO UPDATE SET
  name = CASE WHEN ? <> '' THEN ? ELSE senders.name END
RETURNING id, user_id, email, name, created_at`,
		id, userID, email, createName, toMillis(s.now()), name, name)

	sender, err := scanSenderRow(row)
	if err != nil {
		return models.Sender{}, models.Unavailable("resolve sender", err)
	}
	return sender, nil
}

func (s *SQLiteStore) GetSender(ctx context.Context, id string) (models.Sender, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, email, name, created_at FROM senders WHERE id = ?`, id)
	sender, err := scanSenderRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Sender{}, fmt.Errorf("sender %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Sender{}, models.Unavailable("get sender", err)
	}
	return sender, nil
}

func (s *SQLiteStore) CreateRecords(ctx context.Context, records []models.ScheduledEmail) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Unavailable("create records", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO scheduled_emails
  (id, user_id, sender_id, recipient_email, subject, body, batch_id,
   scheduled_time, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return models.Unavailable("create records", err)
	}
	defer stmt.Close()

	now := toMillis(s.now())
	for _, r := range records {
		status := r.Status
		if status == "" {
			status = models.StatusScheduled
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.UserID, r.SenderID, r.RecipientEmail, r.Subject, r.Body, r.BatchID,
			toMillis(r.ScheduledTime), string(status), now, now,
		); err != nil {
			return models.Unavailable("create records", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Unavailable("create records", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_emails WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return models.Unavailable("delete records", err)
	}
	return nil
}

const sqliteRecordColumns = `
  e.id, e.user_id, e.sender_id, e.recipient_email, e.subject, e.body, e.batch_id,
  e.scheduled_time, e.status, e.sent_time, e.failure_reason, e.external_job_ref,
  e.message_id, e.created_at, e.updated_at,
  s.id, s.user_id, s.email, s.name, s.created_at`

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (models.ScheduledEmail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+`
FROM scheduled_emails e LEFT JOIN senders s ON s.id = e.sender_id
WHERE e.id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ScheduledEmail{}, fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.ScheduledEmail{}, models.Unavailable("get record", err)
	}
	return rec, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, u models.StatusUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}

	var sentTime any
	if u.SentTime != nil {
		sentTime = toMillis(*u.SentTime)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_emails
SET status = ?, sent_time = ?, failure_reason = ?,
    message_id = ?, external_job_ref = ?, updated_at = ?
WHERE id = ? AND status = 'scheduled'`,
		string(u.Status), sentTime, u.FailureReason,
		nullString(u.MessageID), nullString(u.ExternalJobRef), toMillis(s.now()), id)
	if err != nil {
		return models.Unavailable("update status", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return models.Unavailable("update status", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetRecord(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("record %s: %w", id, models.ErrAlreadyTerminal)
}

func (s *SQLiteStore) FindByBatch(ctx context.Context, userID, batchID string) ([]models.ScheduledEmail, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteRecordColumns+`
FROM scheduled_emails e LEFT JOIN senders s ON s.id = e.sender_id
WHERE e.user_id = ? AND e.batch_id = ?
ORDER BY e.scheduled_time ASC, e.rowid ASC`, userID, batchID)
	if err != nil {
		return nil, models.Unavailable("find batch", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) ListByUserAndStatus(ctx context.Context, userID string, statuses []models.EmailStatus, page, limit int) (models.Page, error) {
	page, limit = models.NormalizePage(page, limit)

	where := `e.user_id = ?`
	args := []any{userID}
	if len(statuses) > 0 {
		where += ` AND e.status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statusStrings(statuses) {
			args = append(args, st)
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_emails e WHERE `+where, args...).Scan(&total); err != nil {
		return models.Page{}, models.Unavailable("count records", err)
	}

	order := `COALESCE(e.sent_time, e.updated_at) DESC, e.id ASC`
	if scheduledOnly(statuses) {
		order = `e.scheduled_time ASC, e.rowid ASC`
	}

	query := `SELECT ` + sqliteRecordColumns + `
FROM scheduled_emails e LEFT JOIN senders s ON s.id = e.sender_id
WHERE ` + where + `
ORDER BY ` + order + `
LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, (page-1)*limit)...)
	if err != nil {
		return models.Page{}, models.Unavailable("list records", err)
	}
	defer rows.Close()

	items, err := scanRecords(rows)
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

func (s *SQLiteStore) CountByStatus(ctx context.Context, userID string) (map[models.EmailStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM scheduled_emails WHERE user_id = ? GROUP BY status`, userID)
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
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSenderRow(row rowScanner) (models.Sender, error) {
	var (
		sender    models.Sender
		createdAt int64
	)
	if err := row.Scan(&sender.ID, &sender.UserID, &sender.Email, &sender.Name, &createdAt); err != nil {
		return models.Sender{}, err
	}
	sender.CreatedAt = fromMillis(createdAt)
	return sender, nil
}

func scanRecord(row rowScanner) (models.ScheduledEmail, error) {
	var (
		r                    models.ScheduledEmail
		status               string
		scheduled            int64
		sent                 sql.NullInt64
		reason, ref, msgID   sql.NullString
		createdAt, updatedAt int64

		senderID, senderUser, senderEmail, senderName sql.NullString
		senderCreated                                 sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &r.UserID, &r.SenderID, &r.RecipientEmail, &r.Subject, &r.Body, &r.BatchID,
		&scheduled, &status, &sent, &reason, &ref, &msgID, &createdAt, &updatedAt,
		&senderID, &senderUser, &senderEmail, &senderName, &senderCreated,
	)
	if err != nil {
		return models.ScheduledEmail{}, err
	}

	r.Status = models.EmailStatus(status)
	r.ScheduledTime = fromMillis(scheduled)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	if sent.Valid {
		t := fromMillis(sent.Int64)
		r.SentTime = &t
	}
	r.FailureReason = stringPtr(reason)
	r.ExternalJobRef = stringPtr(ref)
	r.MessageID = stringPtr(msgID)

	if senderID.Valid {
		r.Sender = &models.Sender{
			ID:        senderID.String,
			UserID:    senderUser.String,
			Email:     senderEmail.String,
			Name:      senderName.String,
			CreatedAt: fromMillis(senderCreated.Int64),
		}
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]models.ScheduledEmail, error) {
	var out []models.ScheduledEmail
	for rows.Next() {
		r, err := scanRecord(rows)
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
