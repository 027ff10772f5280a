package db

import (
	"context"

	"MailCadence/internal/models"
)

// Store persists senders and scheduled email records.
type Store interface {
	// ResolveSender returns the sender for (userID, email), creating it on
	// first use. A non-empty name replaces the stored display name.
	ResolveSender(ctx context.Context, userID, email, name string) (models.Sender, error)
	GetSender(ctx context.Context, id string) (models.Sender, error)

	// CreateRecords inserts all records or none.
	CreateRecords(ctx context.Context, records []models.ScheduledEmail) error
	DeleteRecords(ctx context.Context, ids []string) error
	GetRecord(ctx context.Context, id string) (models.ScheduledEmail, error)

	// UpdateStatus moves a scheduled record to a terminal status. It returns
	// models.ErrAlreadyTerminal when the record already left scheduled.
	UpdateStatus(ctx context.Context, id string, u models.StatusUpdate) error

	FindByBatch(ctx context.Context, userID, batchID string) ([]models.ScheduledEmail, error)
	ListByUserAndStatus(ctx context.Context, userID string, statuses []models.EmailStatus, page, limit int) (models.Page, error)
	CountByStatus(ctx context.Context, userID string) (map[models.EmailStatus]int, error)

	Ping(ctx context.Context) error
	Close()
}

// scheduledOnly reports whether a listing is of pending records, which are
// ordered by scheduled time ascending. Anything else is ordered by the time
// it reached its terminal status, newest first.
func scheduledOnly(statuses []models.EmailStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, s := range statuses {
		if s != models.StatusScheduled {
			return false
		}
	}
	return true
}

func statusStrings(statuses []models.EmailStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
