package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	DispatchEmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_emails_sent_total", Help: "Emails accepted by the provider"},
	)
	DispatchEmailsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_emails_failed_total", Help: "Emails the provider rejected or that timed out"},
	)
	ProviderCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Duration of a single provider send call",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_total", Help: "Webhook deliveries by outcome"},
		[]string{"result"},
	)

	WorkerJobsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_consumed_total", Help: "Dispatch jobs consumed"},
	)
	WorkerJobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_completed_total", Help: "Dispatch jobs finished"},
	)
	WorkerJobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_job_retries_total", Help: "Dispatch jobs requeued"},
	)
	WorkerJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Time spent running a dispatch job",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration,
		DispatchEmailsSent, DispatchEmailsFailed, ProviderCallDuration,
		WebhookEventsTotal,
		WorkerJobsConsumed, WorkerJobsCompleted, WorkerJobRetries, WorkerJobDuration,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
