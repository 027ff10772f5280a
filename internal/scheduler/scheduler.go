package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"MailCadence/internal/metrics"
	"MailCadence/internal/models"
)

// Request is a validated batch submission.
type Request struct {
	UserID      string        `json:"userId" validate:"required"`
	SenderEmail string        `json:"senderEmail" validate:"required,email"`
	SenderName  string        `json:"senderName"`
	Subject     string        `json:"subject" validate:"required"`
	Body        string        `json:"body" validate:"required"`
	Recipients  []string      `json:"recipients" validate:"required,min=1,dive,required,email"`
	StartTime   time.Time     `json:"startTime"`
	Delay       time.Duration `json:"delay"`
}

// MaxDelay bounds the spacing between consecutive recipients.
const MaxDelay = 24 * time.Hour

type Result struct {
	BatchID    string    `json:"batchId"`
	JobIDs     []string  `json:"jobIds"`
	StartTime  time.Time `json:"startTime"`
	EmailCount int       `json:"emailCount"`
}

// RecordStore is the part of the record store a submission writes to.
type RecordStore interface {
	ResolveSender(ctx context.Context, userID, email, name string) (models.Sender, error)
	CreateRecords(ctx context.Context, records []models.ScheduledEmail) error
	DeleteRecords(ctx context.Context, ids []string) error
}

type JobStore interface {
	Enqueue(ctx context.Context, job models.Job) error
}

type Scheduler struct {
	records  RecordStore
	jobs     JobStore
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(records RecordStore, jobs JobStore, log *zap.Logger, opts ...Option) *Scheduler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	s := &Scheduler{
		records:  records,
		jobs:     jobs,
		log:      log,
		validate: v,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Validate checks a request without touching any store.
func (s *Scheduler) Validate(req Request) error {
	fields := map[string]string{}

	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			field := fe.Field()
			if _, seen := fields[field]; !seen {
				fields[field] = describe(fe)
			}
		}
	}
	switch {
	case req.Delay < 0:
		fields["delay"] = "must not be negative"
	case req.Delay > MaxDelay:
		fields["delay"] = "must not exceed " + MaxDelay.String()
	}

	if len(fields) > 0 {
		return &models.ValidationError{Fields: fields}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must contain at least " + fe.Param() + " entry"
	case "email":
		return fmt.Sprintf("%v is not a valid email address", fe.Value())
	}
	return "failed " + fe.Tag()
}

// ScheduledTimes returns start + i*delay for each of n recipients.
func ScheduledTimes(start time.Time, delay time.Duration, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * delay)
	}
	return out
}

// Submit persists one record and one pending job per recipient, in input
// order. Duplicate recipients are kept as independent records.
//
// A record never outlives a failed enqueue: records whose job could not be
// enqueued are deleted again, and the caller gets ErrNothingScheduled or a
// *models.PartialBatchError describing which recipients made it.
func (s *Scheduler) Submit(ctx context.Context, req Request) (Result, error) {
	if err := s.Validate(req); err != nil {
		return Result{}, err
	}

	start := req.StartTime
	if start.IsZero() {
		start = s.now()
	}
	start = start.UTC()

	sender, err := s.records.ResolveSender(ctx, req.UserID, req.SenderEmail, req.SenderName)
	if err != nil {
		return Result{}, fmt.Errorf("%w: resolve sender: %w", models.ErrNothingScheduled, err)
	}

	batchID := uuid.NewString()
	times := ScheduledTimes(start, req.Delay, len(req.Recipients))
	records := make([]models.ScheduledEmail, len(req.Recipients))
	ids := make([]string, len(req.Recipients))
	for i, to := range req.Recipients {
		ids[i] = uuid.NewString()
		records[i] = models.ScheduledEmail{
			ID:             ids[i],
			UserID:         req.UserID,
			SenderID:       sender.ID,
			RecipientEmail: to,
			Subject:        req.Subject,
			Body:           req.Body,
			BatchID:        batchID,
			ScheduledTime:  times[i],
			Status:         models.StatusScheduled,
		}
	}

	if err := s.records.CreateRecords(ctx, records); err != nil {
		return Result{}, fmt.Errorf("%w: create records: %w", models.ErrNothingScheduled, err)
	}

	for i, rec := range records {
		if err := s.jobs.Enqueue(ctx, models.NewJob(rec)); err != nil {
			return Result{}, s.rollback(ctx, batchID, req.Recipients, ids, i, err)
		}
	}

	metrics.EmailsScheduled.Add(float64(len(records)))
	s.log.Info("batch scheduled",
		zap.String("batch_id", batchID),
		zap.String("sender_id", sender.ID),
		zap.Int("email_count", len(records)),
		zap.Time("start_time", start),
		zap.Duration("delay", req.Delay),
	)

	return Result{
		BatchID:    batchID,
		JobIDs:     ids,
		StartTime:  start,
		EmailCount: len(records),
	}, nil
}

// rollback removes the records from index failed onward, which have no job.
func (s *Scheduler) rollback(ctx context.Context, batchID string, recipients, ids []string, failed int, cause error) error {
	if err := s.records.DeleteRecords(context.WithoutCancel(ctx), ids[failed:]); err != nil {
		s.log.Error("failed to delete records without jobs",
			zap.String("batch_id", batchID),
			zap.Strings("record_ids", ids[failed:]),
			zap.Error(err),
		)
	}

	s.log.Error("batch enqueue failed",
		zap.String("batch_id", batchID),
		zap.Int("scheduled", failed),
		zap.Int("unscheduled", len(ids)-failed),
		zap.Error(cause),
	)

	if failed == 0 {
		return fmt.Errorf("%w: enqueue: %w", models.ErrNothingScheduled, cause)
	}

	metrics.EmailsScheduled.Add(float64(failed))
	return &models.PartialBatchError{
		BatchID:     batchID,
		Scheduled:   append([]string(nil), ids[:failed]...),
		Unscheduled: append([]string(nil), recipients[failed:]...),
		Cause:       cause,
	}
}
