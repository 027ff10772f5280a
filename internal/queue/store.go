package queue

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"MailCadence/internal/models"
)

// Store is the durable queue of dispatch jobs.
//
// DequeueDue claims jobs rather than deleting them: a claimed job is invisible
// to further dequeues until it is re-enqueued, removed or recovered. Jobs are
// returned by due time, then by enqueue order.
type Store interface {
	// Enqueue inserts or replaces the job with the same id and clears any
	// claim on it. A replaced job takes a new position in enqueue order.
	Enqueue(ctx context.Context, job models.Job) error
	// DequeueDue claims up to limit pending jobs due at or before now.
	// A limit <= 0 claims every due job.
	DequeueDue(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	// Remove deletes the job. Removing a missing job is not an error.
	Remove(ctx context.Context, id string) error
	// RecoverClaims returns jobs claimed before the cutoff to the pending set.
	RecoverClaims(ctx context.Context, claimedBefore time.Time) (int, error)
	Get(ctx context.Context, id string) (models.Job, error)
	Stats(ctx context.Context, now time.Time) (models.QueueStats, error)
}

func encodePayload(p models.JobPayload) ([]byte, error) {
	return json.Marshal(p)
}

func decodePayload(b []byte) (models.JobPayload, error) {
	var p models.JobPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

// sortJobs restores due order after UPDATE ... RETURNING, which does not
// preserve the order of the subquery.
func sortJobs(jobs []models.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].DueAt.Equal(jobs[j].DueAt) {
			return jobs[i].DueAt.Before(jobs[j].DueAt)
		}
		return jobs[i].Seq < jobs[j].Seq
	})
}
