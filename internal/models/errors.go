package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyTerminal  = errors.New("record already in terminal status")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNothingScheduled = errors.New("batch not scheduled")
)

// ValidationError rejects a malformed submission before anything is persisted.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// TransportError is a send attempt the mail transport rejected or timed out.
type TransportError struct {
	Reason  string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return "send timed out: " + e.Reason
	}
	return e.Reason
}

func (e *TransportError) Unwrap() error { return e.Err }

// PartialBatchError reports a batch where only some recipients were scheduled.
type PartialBatchError struct {
	BatchID     string
	Scheduled   []string
	Unscheduled []string
	Cause       error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("batch %s partially scheduled: %d scheduled, %d not scheduled: %v",
		e.BatchID, len(e.Scheduled), len(e.Unscheduled), e.Cause)
}

func (e *PartialBatchError) Unwrap() error { return e.Cause }

// Unavailable wraps an infrastructure error so callers can test it with
// errors.Is(err, ErrStoreUnavailable).
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
