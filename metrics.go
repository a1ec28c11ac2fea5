package guardian

import "github.com/prometheus/client_golang/prometheus"

// FaultRecorder counts faults and decisions. The Add/Observe split follows
// manenim-gateway-rate-limiter's MetricsRecorder idiom; Guardian only ever
// needs counters, so only Add is part of this interface.
type FaultRecorder interface {
	Add(name string, value float64, tags map[string]string)
}

// NoOpFaultRecorder discards everything. Default recorder, so the hot path
// never needs a nil check.
type NoOpFaultRecorder struct{}

func (NoOpFaultRecorder) Add(name string, value float64, tags map[string]string) {}

// PrometheusFaultRecorder records faults and decisions as Prometheus
// counters, grounded on AlexKimmel-GateLite/internal/obs/metrics.go's
// registration pattern.
type PrometheusFaultRecorder struct {
	counter *prometheus.CounterVec
}

// NewPrometheusFaultRecorder registers a guardian_events_total counter,
// labeled by the event name and its "kind" tag, against reg.
func NewPrometheusFaultRecorder(reg prometheus.Registerer) *PrometheusFaultRecorder {
	c := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_events_total",
			Help: "Guardian decision and fault events, labeled by event name and kind.",
		},
		[]string{"name", "kind"},
	)
	reg.MustRegister(c)
	return &PrometheusFaultRecorder{counter: c}
}

func (p *PrometheusFaultRecorder) Add(name string, value float64, tags map[string]string) {
	p.counter.WithLabelValues(name, tags["kind"]).Add(value)
}
