package metrics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracingFlag(t *testing.T) {
	ctx := context.Background()
	assert.True(t, metrics.TracingEnabled(ctx))
	assert.False(t, metrics.TracingEnabled(metrics.WithoutTracing(ctx)))
}

func TestMetrics_Recording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "socialgraph")
	require.NoError(t, err)

	m.CacheHit("profiles", false)
	m.CacheHit("profiles", true)
	m.CacheMiss("profiles")
	m.Delivered("friendship")
	m.Admission(3, 1)

	ctx := context.Background()
	m.ObserveUpstream(ctx, "firestore", time.Now(), nil)
	m.ObserveUpstream(metrics.WithoutTracing(ctx), "firestore", time.Now(), errors.New("boom"))

	count, err := testutil.GatherAndCount(reg, "socialgraph_cache_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per freshness label")

	count, err = testutil.GatherAndCount(reg, "socialgraph_upstream_fetch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "suppressed observations must not create a series")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.CacheHit("x", true)
		m.Dropped("block")
		m.Admission(1, 0)
		m.StreamOpened("block")
	})
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg, "dup")
	require.NoError(t, err)
	_, err = metrics.New(reg, "dup")
	require.Error(t, err)
}
