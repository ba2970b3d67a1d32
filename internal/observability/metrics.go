package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	adminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total identity-provider admin API requests.",
		},
		[]string{"method", "route", "status"},
	)
	adminDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "realmctl",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	provisionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "provision",
			Name:      "attempts_total",
			Help:      "Provisioning attempts by outcome.",
		},
		[]string{"outcome"},
	)
	provisionResources = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "provision",
			Name:      "resources_total",
			Help:      "Provisioned resources by kind and action.",
		},
		[]string{"kind", "action"},
	)
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	ActionCreated  = "created"
	ActionExisting = "existing"
	ActionDeleted  = "deleted"
	ActionAttached = "attached"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(adminRequests, adminDuration, provisionAttempts, provisionResources)
	})
}

// RecordAdminRequest counts one admin call. status 0 means the transport failed.
func RecordAdminRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	adminRequests.WithLabelValues(method, route, statusLabel).Inc()
	adminDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

func RecordAttempt(success bool) {
	RegisterMetrics()
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	provisionAttempts.WithLabelValues(outcome).Inc()
}

func RecordResource(kind, action string) {
	RegisterMetrics()
	provisionResources.WithLabelValues(kind, action).Inc()
}

// WriteTextfile dumps the default registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	RegisterMetrics()
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
