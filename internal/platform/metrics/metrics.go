// Package metrics exposes Prometheus collectors for the consent engine.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	registry *prometheus.Registry

	grantTransitions *prometheus.CounterVec
	tokenOps         *prometheus.CounterVec
	tokenValidations *prometheus.CounterVec
	notificationJobs *prometheus.CounterVec
	accessDecisions  *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		grantTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_grant_transitions_total",
				Help: "Grant state transitions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		tokenOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_tokens_total",
				Help: "Tokens affected by issue, revoke and cleanup operations",
			},
			[]string{"op"},
		),
		tokenValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_token_validations_total",
				Help: "Token validations by result",
			},
			[]string{"result"},
		),
		notificationJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_notification_jobs_total",
				Help: "Notification job delivery results",
			},
			[]string{"result"},
		),
		accessDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_access_decisions_total",
				Help: "Access checkpoint decisions by result and reason",
			},
			[]string{"result", "reason"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.grantTransitions,
		r.tokenOps,
		r.tokenValidations,
		r.notificationJobs,
		r.accessDecisions,
		r.httpRequests,
		r.httpDuration,
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) GrantTransition(action, outcome string) {
	if r == nil {
		return
	}
	r.grantTransitions.WithLabelValues(action, outcome).Inc()
}

func (r *Recorder) TokenOp(op string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.tokenOps.WithLabelValues(op).Add(float64(n))
}

func (r *Recorder) TokenValidation(result string) {
	if r == nil {
		return
	}
	r.tokenValidations.WithLabelValues(result).Inc()
}

func (r *Recorder) NotificationJob(result string) {
	if r == nil {
		return
	}
	r.notificationJobs.WithLabelValues(result).Inc()
}

// NotificationJobs counts n jobs with the same result.
func (r *Recorder) NotificationJobs(result string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.notificationJobs.WithLabelValues(result).Add(float64(n))
}

func (r *Recorder) AccessDecision(result, reason string) {
	if r == nil {
		return
	}
	r.accessDecisions.WithLabelValues(result, reason).Inc()
}

// Middleware records request counts and latency by route template.
func (r *Recorder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if r == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			r.httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			r.httpDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
