package guardian

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	dto "github.com/prometheus/client_model/go"
)

func TestNoOpFaultRecorder_DoesNotPanic(t *testing.T) {
	var r NoOpFaultRecorder
	r.Add("anything", 1, map[string]string{"kind": "x"})
}

func TestPrometheusFaultRecorder_RecordsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusFaultRecorder(reg)

	r.Add("guardian_decisions_total", 1, map[string]string{"kind": AuditDecisionAllowed})
	r.Add("guardian_decisions_total", 1, map[string]string{"kind": AuditDecisionAllowed})

	metricFamilies, err := reg.Gather()
	assert.NoError(t, err)

	var found *dto.MetricFamily
	for _, mf := range metricFamilies {
		if mf.GetName() == "guardian_events_total" {
			found = mf
		}
	}
	assert.NotNil(t, found)
}
