package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	LookupSuccess        = prometheus.NewCounter(prometheus.CounterOpts{Name: "phatnguoi_lookups_success_total", Help: "Lookups that returned a result"})
	LookupFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "phatnguoi_lookups_failed_total", Help: "Lookups that exhausted retries or hit a terminal error"})
	CaptchaRegenerations = prometheus.NewCounter(prometheus.CounterOpts{Name: "phatnguoi_captcha_regenerations_total", Help: "Fresh captcha fetches forced by retries"})
	JobsExecuted         = prometheus.NewCounter(prometheus.CounterOpts{Name: "phatnguoi_jobs_executed_total", Help: "Scheduled job executions"})
	JobsFailed           = prometheus.NewCounter(prometheus.CounterOpts{Name: "phatnguoi_jobs_failed_total", Help: "Scheduled job executions that failed"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "phatnguoi_rate_limit_rejects_total", Help: "Lookup requests rejected by the rate limiter"})
	InFlightLookups      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "phatnguoi_lookups_inflight", Help: "Lookups currently running"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			LookupSuccess,
			LookupFailures,
			CaptchaRegenerations,
			JobsExecuted,
			JobsFailed,
			RateLimitRejects,
			InFlightLookups,
		)
	})
	return promhttp.Handler()
}
