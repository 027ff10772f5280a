package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailCadence/internal/email"
	"MailCadence/internal/events"
	"MailCadence/internal/metrics"
	"MailCadence/internal/models"
)

type JobStore interface {
	Enqueue(ctx context.Context, job models.Job) error
	DequeueDue(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	Remove(ctx context.Context, id string) error
}

type RecordStore interface {
	GetRecord(ctx context.Context, id string) (models.ScheduledEmail, error)
	GetSender(ctx context.Context, id string) (models.Sender, error)
	UpdateStatus(ctx context.Context, id string, u models.StatusUpdate) error
}

type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, senderID string) (bool, error)
	NextAvailableSlot(senderID string) time.Time
}

type Options struct {
	Workers      int
	PollInterval time.Duration
	// MinSendDelay is the courtesy pause before every send.
	MinSendDelay time.Duration
	SendTimeout  time.Duration
	// SendRate caps sends per second across all workers; 0 disables it.
	SendRate float64
	// StoreRetryDelay is how far a job is pushed back when a store is
	// unavailable. 0 leaves the job claimed for the recovery sweep.
	StoreRetryDelay time.Duration
	// PersistTimeout bounds retries of the terminal status write. A Stop
	// whose deadline passes cuts the retries short as well.
	PersistTimeout time.Duration
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Dispatcher drains due jobs with a fixed pool of workers.
type Dispatcher struct {
	jobs      JobStore
	records   RecordStore
	limiter   RateLimiter
	transport email.Transport
	events    events.Publisher
	log       *zap.Logger
	opts      Options
	pacer     *rate.Limiter

	mu      sync.Mutex
	wg      sync.WaitGroup
	stop    chan struct{}
	cancel  context.CancelFunc
	abandon context.CancelFunc
	running bool
}

func NewDispatcher(
	jobs JobStore,
	records RecordStore,
	limiter RateLimiter,
	transport email.Transport,
	publisher events.Publisher,
	logger *zap.Logger,
	opts Options,
) *Dispatcher {
	opts.setDefaults()
	if publisher == nil {
		publisher = events.Nop{}
	}

	d := &Dispatcher{
		jobs:      jobs,
		records:   records,
		limiter:   limiter,
		transport: transport,
		events:    publisher,
		log:       logger,
		opts:      opts,
	}
	if opts.SendRate > 0 {
		burst := int(opts.SendRate)
		if burst < 1 {
			burst = 1
		}
		d.pacer = rate.NewLimiter(rate.Limit(opts.SendRate), burst)
	}
	return d
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	persistCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.abandon = abandon
	stop := make(chan struct{})
	d.stop = stop
	d.running = true

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.loop(runCtx, persistCtx, id, stop)
		}(i)
	}
	d.log.Info("dispatcher started", zap.Int("workers", d.opts.Workers))
}

// Stop stops claiming new jobs and waits for in-flight jobs. When ctx ends
// first the remaining sends and outcome writes are abandoned; their jobs stay
// claimed and are picked up again by claim recovery.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stop)
	cancel, abandon := d.cancel, d.abandon
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		abandon()
		d.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.log.Warn("shutdown deadline reached, abandoning in-flight sends")
		cancel()
		abandon()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) loop(ctx, persist context.Context, id int, stop <-chan struct{}) {
	d.log.Info("worker started", zap.Int("worker_id", id))
	defer d.log.Info("worker shutting down", zap.Int("worker_id", id))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// keep draining while there is due work
		for {
			select {
			case <-stop:
				return
			default:
			}

			jobs, err := d.jobs.DequeueDue(ctx, d.opts.Now(), 1)
			if err != nil {
				if ctx.Err() == nil {
					metrics.StoreErrors.WithLabelValues("dequeue").Inc()
					d.log.Error("dequeue failed", zap.Int("worker_id", id), zap.Error(err))
				}
				break
			}
			if len(jobs) == 0 {
				break
			}
			d.process(ctx, persist, id, jobs[0])
		}

		timer.Reset(d.opts.PollInterval)
	}
}

// RunOnce claims every job due now and processes them one by one on the
// calling goroutine. It returns the number of jobs claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	jobs, err := d.jobs.DequeueDue(ctx, d.opts.Now(), 0)
	if err != nil {
		return 0, err
	}
	persist := context.WithoutCancel(ctx)
	for _, job := range jobs {
		if ctx.Err() != nil {
			return len(jobs), ctx.Err()
		}
		d.process(ctx, persist, -1, job)
	}
	return len(jobs), nil
}

// process runs one claimed job. persist outlives ctx and carries the outcome
// write once the send has happened.
func (d *Dispatcher) process(ctx, persist context.Context, workerID int, job models.Job) {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	log := d.log.With(
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.String("sender_id", job.Payload.SenderID),
	)

	// ----------------------------
	// Load record + sender
	// ----------------------------
	rec, err := d.records.GetRecord(ctx, job.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		log.Warn("job has no record, dropping")
		d.remove(ctx, log, job.ID)
		return
	case err != nil:
		d.storeUnavailable(ctx, log, job, "get_record", err)
		return
	case rec.Status.Terminal():
		log.Info("record already terminal, dropping job", zap.String("status", string(rec.Status)))
		d.remove(ctx, log, job.ID)
		return
	}

	sender, err := d.records.GetSender(ctx, job.Payload.SenderID)
	if errors.Is(err, models.ErrNotFound) {
		d.finish(persist, log, job, models.Failed("sender not found", job.ID), nil)
		return
	}
	if err != nil {
		d.storeUnavailable(ctx, log, job, "get_sender", err)
		return
	}

	// ----------------------------
	// Rate Limit
	// ----------------------------
	allowed, err := d.limiter.CheckAndIncrement(ctx, sender.ID)
	if err != nil {
		d.storeUnavailable(ctx, log, job, "rate_limit", err)
		return
	}
	if !allowed {
		d.reschedule(ctx, log, job)
		return
	}

	// ----------------------------
	// Pacing
	// ----------------------------
	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			log.Warn("send abandoned while pacing", zap.Error(err))
			return
		}
	}
	if err := sleep(ctx, d.opts.MinSendDelay); err != nil {
		log.Warn("send abandoned during courtesy delay", zap.Error(err))
		return
	}

	// ----------------------------
	// Send Email
	// ----------------------------
	msg := email.Message{
		FromName:    sender.Name,
		FromAddress: sender.Email,
		To:          job.Payload.RecipientEmail,
		Subject:     job.Payload.Subject,
		HTML:        job.Payload.Body,
	}

	started := time.Now()
	res, err := email.SendWithTimeout(ctx, d.transport, msg, d.opts.SendTimeout)
	metrics.SendDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		var te *models.TransportError
		if !errors.As(err, &te) {
			log.Warn("send abandoned", zap.Error(err))
			return
		}
		log.Error("email send failed",
			zap.String("to", msg.To),
			zap.Bool("timeout", te.Timeout),
			zap.Error(err),
		)
		d.finish(persist, log, job, models.Failed(te.Error(), job.ID), nil)
		return
	}

	d.finish(persist, log, job, models.Sent(d.opts.Now().UTC(), res.MessageID, job.ID), &res)
}

// finish persists the terminal status and then removes the job. The send has
// already happened, so the write is retried for up to PersistTimeout. Only a
// Stop past its deadline cancels ctx here.
func (d *Dispatcher) finish(ctx context.Context, log *zap.Logger, job models.Job, u models.StatusUpdate, res *email.SendResult) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = d.opts.PersistTimeout

	err := backoff.Retry(func() error {
		err := d.records.UpdateStatus(ctx, job.ID, u)
		if errors.Is(err, models.ErrAlreadyTerminal) || errors.Is(err, models.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))

	switch {
	case errors.Is(err, models.ErrAlreadyTerminal), errors.Is(err, models.ErrNotFound):
		log.Warn("record left scheduled before outcome was stored", zap.Error(err))
		d.remove(ctx, log, job.ID)
		return
	case err != nil:
		metrics.StoreErrors.WithLabelValues("update_status").Inc()
		log.Error("failed to store outcome, job stays claimed",
			zap.String("status", string(u.Status)),
			zap.Error(err),
		)
		return
	}

	d.remove(ctx, log, job.ID)

	ev := events.Event{
		RecordID:  job.ID,
		SenderID:  job.Payload.SenderID,
		BatchID:   job.Payload.BatchID,
		Recipient: job.Payload.RecipientEmail,
		At:        d.opts.Now().UTC(),
	}
	if u.Status == models.StatusSent {
		metrics.EmailsSent.Inc()
		ev.Type = events.EmailSent
		if res != nil {
			ev.MessageID = res.MessageID
		}
		log.Info("email sent successfully", zap.String("to", job.Payload.RecipientEmail))
	} else {
		metrics.EmailFailures.Inc()
		ev.Type = events.EmailFailed
		ev.Reason = *u.FailureReason
	}
	d.publish(ctx, log, ev)
}

// reschedule moves a job over the hourly ceiling to the next rate window. The
// record stays scheduled.
func (d *Dispatcher) reschedule(ctx context.Context, log *zap.Logger, job models.Job) {
	next := d.limiter.NextAvailableSlot(job.Payload.SenderID)
	job.DueAt = next
	job.ClaimedAt = nil

	if err := d.jobs.Enqueue(ctx, job); err != nil {
		metrics.StoreErrors.WithLabelValues("enqueue").Inc()
		log.Error("failed to defer job, job stays claimed", zap.Error(err))
		return
	}

	metrics.EmailsDeferred.Inc()
	log.Info("hourly limit reached, deferring", zap.Time("due_at", next))
	d.publish(ctx, log, events.Event{
		Type:          events.EmailDeferred,
		RecordID:      job.ID,
		SenderID:      job.Payload.SenderID,
		BatchID:       job.Payload.BatchID,
		Recipient:     job.Payload.RecipientEmail,
		DeferredUntil: &next,
		At:            d.opts.Now().UTC(),
	})
}

// storeUnavailable aborts the attempt without touching the record.
func (d *Dispatcher) storeUnavailable(ctx context.Context, log *zap.Logger, job models.Job, op string, err error) {
	if ctx.Err() != nil {
		log.Warn("attempt abandoned", zap.String("op", op), zap.Error(err))
		return
	}

	metrics.StoreErrors.WithLabelValues(op).Inc()
	log.Error("store unavailable, aborting attempt", zap.String("op", op), zap.Error(err))

	if d.opts.StoreRetryDelay <= 0 {
		return
	}
	job.DueAt = d.opts.Now().Add(d.opts.StoreRetryDelay)
	job.ClaimedAt = nil
	if err := d.jobs.Enqueue(ctx, job); err != nil {
		log.Error("failed to push job back, job stays claimed", zap.Error(err))
	}
}

func (d *Dispatcher) remove(ctx context.Context, log *zap.Logger, id string) {
	if err := d.jobs.Remove(ctx, id); err != nil {
		metrics.StoreErrors.WithLabelValues("remove").Inc()
		log.Error("failed to remove job", zap.Error(err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, log *zap.Logger, ev events.Event) {
	if err := d.events.Publish(ctx, ev); err != nil {
		log.Warn("failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
