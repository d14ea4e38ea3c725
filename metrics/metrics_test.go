package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCompletionsTotalByQueue(t *testing.T) {
	s := New()
	s.CompletionsTotal.WithLabelValues("admin").Inc()
	s.CompletionsTotal.WithLabelValues("io").Add(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(s.CompletionsTotal.WithLabelValues("admin")))
	assert.Equal(t, float64(3), testutil.ToFloat64(s.CompletionsTotal.WithLabelValues("io")))
}

func TestUntaggedInFlightGauge(t *testing.T) {
	s := New()
	s.SetUntaggedInFlight(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.UntaggedInFlight))
	s.SetUntaggedInFlight(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(s.UntaggedInFlight))
}

func TestPRPPoolDepthGauges(t *testing.T) {
	s := New()
	s.SetPRPPoolDepth(3, 7)
	assert.Equal(t, float64(3), testutil.ToFloat64(s.PRPPoolDepth))
	assert.Equal(t, float64(7), testutil.ToFloat64(s.PRPPoolHighWatermark))
}

func TestRegistryGatherWorks(t *testing.T) {
	s := New()
	s.HardwareErrorsTotal.Inc()
	mfs, err := s.Registry().Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, mfs)
}
