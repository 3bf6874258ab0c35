package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Splits.Inc()
	m.LocalRegions.WithLabelValues("roads").Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Splits))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LocalRegions.WithLabelValues("roads")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// a second set on the same registry collides
	assert.Panics(t, func() { New(reg) })
}

func TestOrDiscard(t *testing.T) {
	m := Discard()
	assert.Same(t, m, OrDiscard(m))
	assert.NotNil(t, OrDiscard(nil))
}
