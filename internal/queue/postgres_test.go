package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailCadence/internal/config"
	"MailCadence/internal/db"
)

func TestPostgresStore_EnqueueDequeueRemove(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("skipping integration test: DATABASE_URL not set")
	}
	ctx := context.Background()

	sqlDB, err := db.OpenPostgresSQL(url)
	require.NoError(t, err)
	defer sqlDB.Close()
	require.NoError(t, db.Migrate(ctx, config.DriverPostgres, sqlDB))

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()
	q := NewPostgresStore(pool)

	// far in the past so only this test's jobs can be due
	t0 := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	a, b := uuid.NewString(), uuid.NewString()
	defer q.Remove(ctx, a)
	defer q.Remove(ctx, b)

	require.NoError(t, q.Enqueue(ctx, job(b, t0)))
	require.NoError(t, q.Enqueue(ctx, job(a, t0.Add(-time.Second))))
	require.NoError(t, q.Enqueue(ctx, job(a, t0.Add(-time.Second))))

	got, err := q.DequeueDue(ctx, t0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, ids(got))

	n, err := q.RecoverClaims(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	require.NoError(t, q.Remove(ctx, a))
	require.NoError(t, q.Remove(ctx, a))
}
