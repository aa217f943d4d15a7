// Package metrics holds the prometheus collectors for the consultation service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the service exports. A nil *Collector is a
// valid no-op so components can be built without metrics in tests.
type Collector struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepRecords  *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	notifications *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appointment_transitions_total",
			Help: "Appointment status transitions",
		}, []string{"from", "to", "actor"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_sweep_runs_total",
			Help: "Scheduler sweep executions by outcome",
		}, []string{"task", "outcome"}),
		sweepRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_sweep_records_total",
			Help: "Records touched by scheduler sweeps",
		}, []string{"task", "result"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_sweep_duration_seconds",
			Help:    "Duration of scheduler sweeps in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"task"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_dispatched_total",
			Help: "Notification events by template and delivery result",
		}, []string{"template", "result"}),
	}
	c.registry.MustRegister(
		c.httpRequests, c.httpDuration, c.transitions,
		c.sweepRuns, c.sweepRecords, c.sweepDuration, c.notifications,
		prometheus.NewGoCollector(),
	)
	return c
}

func (c *Collector) RecordTransition(from, to, actor string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to, actor).Inc()
}

// RecordSweep records one sweep execution.
func (c *Collector) RecordSweep(task, outcome string, changed, failed int, d time.Duration) {
	if c == nil {
		return
	}
	c.sweepRuns.WithLabelValues(task, outcome).Inc()
	c.sweepRecords.WithLabelValues(task, "changed").Add(float64(changed))
	c.sweepRecords.WithLabelValues(task, "failed").Add(float64(failed))
	c.sweepDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (c *Collector) RecordNotification(template string, ok bool) {
	if c == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	c.notifications.WithLabelValues(template, result).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the route template.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			start := time.Now()
			err := next(ec)

			status := ec.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := ec.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ec.Request().Method
			c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
