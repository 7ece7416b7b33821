// Package metrics provides Prometheus instrumentation for ceremony outcomes.
//
// Counter regressions and signature failures get their own reason labels so a
// deployment can alert on probable credential cloning without parsing logs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all taskpass metrics.
	Namespace = "taskpass"

	// Label names
	LabelCeremony = "ceremony"
	LabelReason   = "reason"

	// Ceremony names
	CeremonyRegistration = "registration"
	CeremonyLogin        = "login"
)

var (
	// CeremoniesTotal counts completed ceremonies by kind.
	CeremoniesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ceremonies_total",
			Help:      "Total number of successfully completed ceremonies by kind",
		},
		[]string{LabelCeremony},
	)

	// CeremonyFailuresTotal counts rejected ceremonies by kind and reason.
	// The reason label carries the internal error code, never surfaced to clients.
	CeremonyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ceremony_failures_total",
			Help:      "Total number of rejected ceremonies by kind and failure reason",
		},
		[]string{LabelCeremony, LabelReason},
	)

	// SessionsIssuedTotal counts sessions minted after successful ceremonies.
	SessionsIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_issued_total",
			Help:      "Total number of sessions issued",
		},
	)
)

// RecordCeremonySuccess increments the success counter for a ceremony kind.
func RecordCeremonySuccess(ceremony string) {
	CeremoniesTotal.WithLabelValues(ceremony).Inc()
}

// RecordCeremonyFailure increments the failure counter for a ceremony kind and reason.
func RecordCeremonyFailure(ceremony, reason string) {
	CeremonyFailuresTotal.WithLabelValues(ceremony, reason).Inc()
}
