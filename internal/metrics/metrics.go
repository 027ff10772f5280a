package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails",
		},
	)

	EmailsDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_deferred_total",
			Help: "Total dispatches deferred to a later rate window",
		},
	)

	EmailsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_scheduled_total",
			Help: "Total records scheduled by batch submissions",
		},
	)

	// RateLimitExceeded counts checks that landed over the hourly ceiling.
	RateLimitExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_exceeded_total",
			Help: "Rate limit checks over the per-sender hourly ceiling",
		},
		[]string{"sender_id"},
	)

	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Dispatch attempts aborted because a store was unavailable",
		},
		[]string{"op"},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_send_duration_seconds",
			Help:    "Mail transport call latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_in_flight",
			Help: "Jobs currently held by dispatch workers",
		},
	)

	JobsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_recovered_total",
			Help: "Stale job claims returned to the pending set",
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(EmailsSent)
		prometheus.MustRegister(EmailFailures)
		prometheus.MustRegister(EmailsDeferred)
		prometheus.MustRegister(EmailsScheduled)
		prometheus.MustRegister(RateLimitExceeded)
		prometheus.MustRegister(StoreErrors)
		prometheus.MustRegister(SendDuration)
		prometheus.MustRegister(InFlight)
		prometheus.MustRegister(JobsRecovered)
	})
}
