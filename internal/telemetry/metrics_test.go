package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	assert.NotNil(t, m.RequestsTotal)
	assert.NotNil(t, m.RequestDuration)
	assert.NotNil(t, m.ActiveRequests)
	assert.NotNil(t, m.CacheHits)
	assert.NotNil(t, m.CacheMisses)
	assert.NotNil(t, m.TokensProcessed)
	assert.NotNil(t, m.ThrottledTotal)
	assert.NotNil(t, m.KeyPermanentlyFailed)
	assert.NotNil(t, m.AttemptsPerRequest)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200").Inc()
	m.CacheHits.Inc()
	m.CacheMisses.Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/v1/chat/completions").Observe(0.123)
	m.ThrottledTotal.WithLabelValues("aistudio").Inc()
	m.KeyPermanentlyFailed.WithLabelValues("codeassist").Inc()
	m.AttemptsPerRequest.Observe(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"relay_requests_total",
		"relay_cache_hits_total",
		"relay_cache_misses_total",
		"relay_active_requests",
		"relay_request_duration_seconds",
		"relay_throttled_total",
		"relay_key_permanently_failed_total",
		"relay_router_attempts_per_request",
	}
	for _, name := range want {
		assert.True(t, names[name], "missing metric %q in gathered families", name)
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection to
// an OTLP collector, which is integration-test territory.
