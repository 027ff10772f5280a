package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"MailCadence/internal/metrics"
)

type ClaimRecoverer interface {
	RecoverClaims(ctx context.Context, claimedBefore time.Time) (int, error)
}

// Recovery returns jobs stranded by a crashed or abandoned attempt to the
// pending set.
type Recovery struct {
	jobs    ClaimRecoverer
	timeout time.Duration
	log     *zap.Logger
	cron    *cron.Cron
	now     func() time.Time
}

func NewRecovery(jobs ClaimRecoverer, claimTimeout time.Duration, logger *zap.Logger) *Recovery {
	return &Recovery{
		jobs:    jobs,
		timeout: claimTimeout,
		log:     logger,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// RecoverAll releases every claim. Only safe before any worker has started.
func (r *Recovery) RecoverAll(ctx context.Context) (int, error) {
	return r.recover(ctx, r.now().Add(time.Second))
}

// Sweep releases claims older than the claim timeout.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	return r.recover(ctx, r.now().Add(-r.timeout))
}

func (r *Recovery) recover(ctx context.Context, before time.Time) (int, error) {
	n, err := r.jobs.RecoverClaims(ctx, before)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("recover_claims").Inc()
		return 0, err
	}
	if n > 0 {
		metrics.JobsRecovered.Add(float64(n))
		r.log.Info("recovered stale job claims", zap.Int("count", n), zap.Time("claimed_before", before))
	}
	return n, nil
}

// Start runs Sweep on the given cron schedule, e.g. "@every 1m".
func (r *Recovery) Start(schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Error("claim recovery failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("claim recovery scheduled", zap.String("schedule", schedule), zap.Duration("claim_timeout", r.timeout))
	return nil
}

// Stop waits for a running sweep to finish.
func (r *Recovery) Stop() {
	<-r.cron.Stop().Done()
}
