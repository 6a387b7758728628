package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInstrumentsRegisterOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Transformations.WithLabelValues("applied").Inc()
	m.Transformations.WithLabelValues("applied").Inc()
	m.Jobs.WithLabelValues("full_automate", "COMPLETED").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transformations.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Jobs.WithLabelValues("full_automate", "COMPLETED")))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}
