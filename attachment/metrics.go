package attachment

import "github.com/prometheus/client_golang/prometheus"

// Mutation outcomes recorded in doctrack_attachment_mutations_total.
const (
	outcomeSuccess  = "success"
	outcomeRejected = "rejected"
	outcomeError    = "error"
	outcomeInvalid  = "invalid"
)

// Metrics counts attachment mutations. A nil *Metrics records nothing.
type Metrics struct {
	mutations *prometheus.CounterVec
}

// NewMetrics creates the mutation counter and registers it on reg when it
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doctrack",
			Subsystem: "attachment",
			Name:      "mutations_total",
			Help:      "Upload and remove mutations, by outcome.",
		}, []string{"op", "outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.mutations)
	}
	return m
}

func (m *Metrics) mutation(op, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
}
