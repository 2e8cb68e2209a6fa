// Package metrics holds the Prometheus collectors shared across components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sealaudit_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sealaudit_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	AccessDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sealaudit_access_decisions_total",
		Help: "Access gate decisions by stage and result.",
	}, []string{"stage", "result"})

	ActiveSessionKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sealaudit_active_session_keys",
		Help: "Number of session keys held in memory.",
	})

	SessionKeysSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealaudit_session_keys_swept_total",
		Help: "Session keys destroyed by the expiry sweep.",
	})

	AuditRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sealaudit_audit_records_total",
		Help: "Audit records accepted, by validity.",
	}, []string{"valid"})

	AuditFailureAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealaudit_audit_failure_alerts_total",
		Help: "Failure alerts emitted for invalid audits.",
	})

	ShareFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sealaudit_keyserver_share_fetches_total",
		Help: "Key share fetches by key server and result.",
	}, []string{"server", "result"})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, RequestDuration,
		AccessDecisions, ActiveSessionKeys, SessionKeysSwept,
		AuditRecords, AuditFailureAlerts, ShareFetches,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func Result(ok bool) string {
	if ok {
		return "allow"
	}
	return "deny"
}
