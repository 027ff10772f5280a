package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailCadence/internal/config"
	"MailCadence/internal/models"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	sqlDB, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(context.Background(), config.DriverSQLite, sqlDB))
	s := NewSQLiteStore(sqlDB)
	t.Cleanup(s.Close)
	return s
}

func seedBatch(t *testing.T, s *SQLiteStore, userID string, start time.Time, recipients ...string) (models.Sender, []models.ScheduledEmail) {
	t.Helper()
	ctx := context.Background()
	sender, err := s.ResolveSender(ctx, userID, "team@example.com", "Team")
	require.NoError(t, err)

	batchID := uuid.NewString()
	recs := make([]models.ScheduledEmail, len(recipients))
	for i, to := range recipients {
		recs[i] = models.ScheduledEmail{
			ID:             uuid.NewString(),
			UserID:         userID,
			SenderID:       sender.ID,
			RecipientEmail: to,
			Subject:        "hello",
			Body:           "<p>hi</p>",
			BatchID:        batchID,
			ScheduledTime:  start.Add(time.Duration(i) * time.Minute),
		}
	}
	require.NoError(t, s.CreateRecords(ctx, recs))
	return sender, recs
}

func TestResolveSender_GetOrCreate(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	first, err := s.ResolveSender(ctx, "u1", "a@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSenderName, first.Name)

	again, err := s.ResolveSender(ctx, "u1", "a@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.DefaultSenderName, again.Name)

	renamed, err := s.ResolveSender(ctx, "u1", "a@example.com", "Alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, renamed.ID)
	assert.Equal(t, "Alice", renamed.Name)

	other, err := s.ResolveSender(ctx, "u2", "a@example.com", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	got, err := s.GetSender(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)

	_, err = s.GetSender(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateRecords_AllOrNothing(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	_, recs := seedBatch(t, s, "u1", start, "a@example.com")

	dup := recs[0]
	fresh := dup
	fresh.ID = uuid.NewString()
	err := s.CreateRecords(ctx, []models.ScheduledEmail{fresh, dup})
	require.Error(t, err)

	_, err = s.GetRecord(ctx, fresh.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGetRecord_RoundTrip(t *testing.T) {
	s := newSQLite(t)
	start := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	sender, recs := seedBatch(t, s, "u1", start, "a@example.com")

	got, err := s.GetRecord(context.Background(), recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, got.Status)
	assert.True(t, got.ScheduledTime.Equal(start))
	assert.Nil(t, got.SentTime)
	assert.Nil(t, got.FailureReason)
	require.NotNil(t, got.Sender)
	assert.Equal(t, sender.Email, got.Sender.Email)
}

func TestUpdateStatus_TerminalOnce(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	_, recs := seedBatch(t, s, "u1", start, "a@example.com", "b@example.com")

	sentAt := start.Add(time.Hour)
	require.NoError(t, s.UpdateStatus(ctx, recs[0].ID, models.Sent(sentAt, "<m1@x>", recs[0].ID)))

	got, err := s.GetRecord(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	require.NotNil(t, got.SentTime)
	assert.True(t, got.SentTime.Equal(sentAt))
	require.NotNil(t, got.MessageID)
	assert.Equal(t, "<m1@x>", *got.MessageID)
	assert.Nil(t, got.FailureReason)

	err = s.UpdateStatus(ctx, recs[0].ID, models.Failed("late", recs[0].ID))
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)

	require.NoError(t, s.UpdateStatus(ctx, recs[1].ID, models.Failed("550 mailbox unavailable", recs[1].ID)))
	got, err = s.GetRecord(ctx, recs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Nil(t, got.SentTime)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "550 mailbox unavailable", *got.FailureReason)

	err = s.UpdateStatus(ctx, "missing", models.Failed("x", "missing"))
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = s.UpdateStatus(ctx, recs[1].ID, models.StatusUpdate{Status: models.StatusScheduled})
	assert.Error(t, err)
}

func TestFindByBatch_ScheduledOrder(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	_, recs := seedBatch(t, s, "u1", start, "a@example.com", "b@example.com", "a@example.com")
	seedBatch(t, s, "u1", start, "other@example.com")

	got, err := s.FindByBatch(ctx, "u1", recs[0].BatchID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range recs {
		assert.Equal(t, recs[i].ID, got[i].ID)
	}

	got, err = s.FindByBatch(ctx, "u2", recs[0].BatchID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListByUserAndStatus(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)

	recipients := make([]string, 5)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("r%d@example.com", i)
	}
	_, recs := seedBatch(t, s, "u1", start, recipients...)

	require.NoError(t, s.UpdateStatus(ctx, recs[0].ID, models.Sent(start.Add(time.Hour), "", recs[0].ID)))
	require.NoError(t, s.UpdateStatus(ctx, recs[1].ID, models.Sent(start.Add(2*time.Hour), "", recs[1].ID)))
	require.NoError(t, s.UpdateStatus(ctx, recs[2].ID, models.Failed("boom", recs[2].ID)))

	scheduled, err := s.ListByUserAndStatus(ctx, "u1", []models.EmailStatus{models.StatusScheduled}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, scheduled.Total)
	require.Len(t, scheduled.Items, 2)
	assert.Equal(t, recs[3].ID, scheduled.Items[0].ID)
	assert.Equal(t, recs[4].ID, scheduled.Items[1].ID)

	sent, err := s.ListByUserAndStatus(ctx, "u1", []models.EmailStatus{models.StatusSent}, 1, 10)
	require.NoError(t, err)
	require.Len(t, sent.Items, 2)
	assert.Equal(t, recs[1].ID, sent.Items[0].ID, "newest sent first")
	assert.Equal(t, recs[0].ID, sent.Items[1].ID)

	paged, err := s.ListByUserAndStatus(ctx, "u1", nil, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, paged.Total)
	assert.Equal(t, 3, paged.Pages)
	assert.Len(t, paged.Items, 2)

	none, err := s.ListByUserAndStatus(ctx, "nobody", nil, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, none.Total)
	assert.Empty(t, none.Items)
}

func TestCountByStatusAndDelete(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	_, recs := seedBatch(t, s, "u1", start, "a@example.com", "b@example.com", "c@example.com")
	require.NoError(t, s.UpdateStatus(ctx, recs[0].ID, models.Failed("boom", recs[0].ID)))

	counts, err := s.CountByStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.StatusScheduled])
	assert.Equal(t, 0, counts[models.StatusSent])
	assert.Equal(t, 1, counts[models.StatusFailed])

	require.NoError(t, s.DeleteRecords(ctx, []string{recs[1].ID, recs[2].ID, "missing"}))
	require.NoError(t, s.DeleteRecords(ctx, nil))

	counts, err = s.CountByStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, counts[models.StatusScheduled])
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := newSQLite(t)
	s.db.Close()

	_, err := s.GetRecord(context.Background(), "x")
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}
