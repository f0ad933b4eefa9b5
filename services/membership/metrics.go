package membership

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the workflow counters exported on /metrics.
type Metrics struct {
	InvitationsCreated   *prometheus.CounterVec
	InvitationsResponded *prometheus.CounterVec
	PartialFailures      *prometheus.CounterVec
	StoreConflicts       prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InvitationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitecrew",
			Name:      "invitations_created_total",
			Help:      "Invitations created, by invitation type.",
		}, []string{"type"}),
		InvitationsResponded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitecrew",
			Name:      "invitations_responded_total",
			Help:      "Invitations answered, by outcome.",
		}, []string{"outcome"}),
		PartialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitecrew",
			Name:      "membership_partial_failures_total",
			Help:      "Mirrored membership writes where only one half was applied.",
		}, []string{"half"}),
		StoreConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sitecrew",
			Name:      "store_conflicts_total",
			Help:      "Version-guarded writes retried after a concurrent update.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.InvitationsCreated, m.InvitationsResponded, m.PartialFailures, m.StoreConflicts)
	}
	return m
}
