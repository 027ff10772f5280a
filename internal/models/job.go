package models

import "time"

// JobPayload is everything the dispatcher needs to attempt a send.
type JobPayload struct {
	SenderID       string `json:"senderId"`
	RecipientEmail string `json:"recipientEmail"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	BatchID        string `json:"batchId,omitempty"`
}

// Job is a unit of scheduled dispatch work. ID equals the record id, so a
// record never has more than one live job.
type Job struct {
	ID        string     `json:"id"`
	DueAt     time.Time  `json:"dueAt"`
	Payload   JobPayload `json:"payload"`
	Seq       int64      `json:"seq"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
}

func NewJob(record ScheduledEmail) Job {
	return Job{
		ID:    record.ID,
		DueAt: record.ScheduledTime,
		Payload: JobPayload{
			SenderID:       record.SenderID,
			RecipientEmail: record.RecipientEmail,
			Subject:        record.Subject,
			Body:           record.Body,
			BatchID:        record.BatchID,
		},
	}
}

// QueueStats summarises the job store.
type QueueStats struct {
	Pending int `json:"pending"`
	Claimed int `json:"claimed"`
	Due     int `json:"due"`
}
