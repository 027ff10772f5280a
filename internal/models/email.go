package models

import (
	"fmt"
	"time"
)

type EmailStatus string

const (
	StatusScheduled EmailStatus = "scheduled"
	StatusSent      EmailStatus = "sent"
	StatusFailed    EmailStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s EmailStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

func (s EmailStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusSent, StatusFailed:
		return true
	}
	return false
}

const DefaultSenderName = "Default Sender"

type Sender struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// ScheduledEmail is the durable record of one recipient in one batch.
// Its ID doubles as the dispatch job id.
type ScheduledEmail struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	SenderID       string      `json:"senderId"`
	RecipientEmail string      `json:"recipientEmail"`
	Subject        string      `json:"subject"`
	Body           string      `json:"body"`
	BatchID        string      `json:"batchId"`
	ScheduledTime  time.Time   `json:"scheduledTime"`
	Status         EmailStatus `json:"status"`

	SentTime       *time.Time `json:"sentTime,omitempty"`
	FailureReason  *string    `json:"failureReason,omitempty"`
	ExternalJobRef *string    `json:"externalJobRef,omitempty"`
	MessageID      *string    `json:"messageId,omitempty"`

	Sender *Sender `json:"sender,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusUpdate moves a scheduled record into a terminal state.
type StatusUpdate struct {
	Status         EmailStatus
	SentTime       *time.Time
	FailureReason  *string
	MessageID      string
	ExternalJobRef string
}

// Sent builds the update for a delivered message.
func Sent(at time.Time, messageID, jobRef string) StatusUpdate {
	return StatusUpdate{
		Status:         StatusSent,
		SentTime:       &at,
		MessageID:      messageID,
		ExternalJobRef: jobRef,
	}
}

// Failed builds the update for a message the transport rejected.
func Failed(reason, jobRef string) StatusUpdate {
	if reason == "" {
		reason = "unknown error"
	}
	return StatusUpdate{
		Status:         StatusFailed,
		FailureReason:  &reason,
		ExternalJobRef: jobRef,
	}
}

// Validate enforces that a terminal record carries exactly one of
// sent time or failure reason.
func (u StatusUpdate) Validate() error {
	switch u.Status {
	case StatusSent:
		if u.SentTime == nil || u.FailureReason != nil {
			return fmt.Errorf("sent update requires sent time and no failure reason")
		}
	case StatusFailed:
		if u.FailureReason == nil || *u.FailureReason == "" || u.SentTime != nil {
			return fmt.Errorf("failed update requires failure reason and no sent time")
		}
	default:
		return fmt.Errorf("status %q is not terminal", u.Status)
	}
	return nil
}

// Page is one slice of a paginated listing.
type Page struct {
	Items []ScheduledEmail `json:"emails"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
	Total int              `json:"total"`
	Pages int              `json:"pages"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NormalizePage clamps page and limit to their allowed ranges.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

func PageCount(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
