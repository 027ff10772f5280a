package queue

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailCadence/internal/config"
	"MailCadence/internal/db"
	"MailCadence/internal/models"
)

func newSQLiteQueue(t *testing.T) (*SQLiteStore, *sql.DB) {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(context.Background(), config.DriverSQLite, sqlDB))
	return NewSQLiteStore(sqlDB), sqlDB
}

func job(id string, due time.Time) models.Job {
	return models.Job{
		ID:    id,
		DueAt: due,
		Payload: models.JobPayload{
			SenderID:       "sender-1",
			RecipientEmail: id + "@example.com",
			Subject:        "hello",
			Body:           "<p>hi</p>",
		},
	}
}

func ids(jobs []models.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestDequeueDue_OrderAndFIFOTies(t *testing.T) {
	q, _ := newSQLiteQueue(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, q.Enqueue(ctx, job("c", t0.Add(2*time.Second))))
	require.NoError(t, q.Enqueue(ctx, job("a", t0)))
	require.NoError(t, q.Enqueue(ctx, job("b", t0)))
	require.NoError(t, q.Enqueue(ctx, job("late", t0.Add(time.Hour))))

	got, err := q.DequeueDue(ctx, t0.Add(5*time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
	assert.Equal(t, "a@example.com", got[0].Payload.RecipientEmail)
	require.NotNil(t, got[0].ClaimedAt)

	// claimed jobs are not handed out again
	again, err := q.DequeueDue(ctx, t0.Add(5*time.Second), 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	st, err := q.Stats(ctx, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Pending: 1, Claimed: 3, Due: 0}, st)
}

func TestDequeueDue_Limit(t *testing.T) {
	q, _ := newSQLiteQueue(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, job(fmt.Sprintf("j%d", i), t0.Add(time.Duration(i)*time.Second))))
	}

	got, err := q.DequeueDue(ctx, t0.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"j0", "j1"}, ids(got))

	got, err = q.DequeueDue(ctx, t0.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"j2", "j3"}, ids(got))
}

func TestEnqueue_ReplacesExistingJob(t *testing.T) {
	q, _ := newSQLiteQueue(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, q.Enqueue(ctx, job("x", t0)))
	require.NoError(t, q.Enqueue(ctx, job("x", t0.Add(time.Hour))))

	st, err := q.Stats(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 0, st.Due)

	got, err := q.Get(ctx, "x")
	require.NoError(t, err)
	assert.True(t, got.DueAt.Equal(t0.Add(time.Hour)))
}

func TestEnqueue_ReschedulesClaimedJobBehindEqualDue(t *testing.T) {
	q, _ := newSQLiteQueue(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	next := t0.Add(time.Hour)

	require.NoError(t, q.Enqueue(ctx, job("first", t0)))
	claimed, err := q.DequeueDue(ctx, t0, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.Enqueue(ctx, job("other", next)))
	// re-enqueue clears the claim and takes a new place in line
	require.NoError(t, q.Enqueue(ctx, job("first", next)))

	got, err := q.DequeueDue(ctx, next, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "first"}, ids(got))
}

func TestEnqueue_ConcurrentSameIDLeavesOneJob(t *testing.T) {
	q, sqlDB := newSQLiteQueue(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, q.Enqueue(ctx, job("same", t0.Add(time.Duration(i)*time.Minute))))
		}(i)
	}
	wg.Wait()

	var n int
	require.NoError(t, sqlDB.QueryRow(`SELECT COUNT(*) FROM dispatch_jobs WHERE id = 'same'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestDequeueDue_ConcurrentClaimsAreExclusive(t *testing.T) {
	q, _ := newSQLiteQueue(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	const total = 50
	for i := 0; i < total; i++ {
		require.NoError(t, q.Enqueue(ctx, job(fmt.Sprintf("j%02d", i), t0)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := q.DequeueDue(ctx, t0, 1)
				if !assert.NoError(t, err) || len(got) == 0 {
					return
				}
				mu.Lock()
				seen[got[0].ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	q, _ := newSQLiteQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("gone", time.Now())))
	require.NoError(t, q.Remove(ctx, "gone"))
	require.NoError(t, q.Remove(ctx, "gone"))
	require.NoError(t, q.Remove(ctx, "never-existed"))

	_, err := q.Get(ctx, "gone")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecoverClaims(t *testing.T) {
	q, _ := newSQLiteQueue(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, q.Enqueue(ctx, job("old", t0)))
	require.NoError(t, q.Enqueue(ctx, job("fresh", t0.Add(time.Minute))))

	_, err := q.DequeueDue(ctx, t0, 0)
	require.NoError(t, err)
	_, err = q.DequeueDue(ctx, t0.Add(10*time.Minute), 0)
	require.NoError(t, err)

	n, err := q.RecoverClaims(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.DequeueDue(ctx, t0.Add(10*time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids(got))
}
