// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinic_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// BookingOperations counts booking coordinator writes. outcome is "ok" or
	// the lower-cased error kind.
	BookingOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_booking_operations_total",
			Help: "Booking operations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	BookingRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_booking_retries_total",
			Help: "Booking operations retried after a transient storage failure.",
		},
		[]string{"operation"},
	)

	DoctorLockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clinic_doctor_lock_wait_seconds",
			Help:    "Time spent waiting for the per-doctor booking lock.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_notifications_total",
			Help: "Appointment notifications by event type and delivery status.",
		},
		[]string{"type", "status"},
	)

	DatabaseConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clinic_database_connections",
			Help: "Database pool connections by state.",
		},
		[]string{"state"}, // acquired, idle, total
	)
)
