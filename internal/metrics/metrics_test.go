package metrics

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	r := NewRegistry()
	r.Inc("jobs_total", "result", "ok")
	r.Add("jobs_total", 2, "result", "ok")
	r.Inc("jobs_total", "result", "failed")
	r.Set("depth", 7)
	r.Set("depth", 4)

	assert.Equal(t, 3.0, r.Value("jobs_total", "result", "ok"))
	assert.Equal(t, 4.0, r.Sum("jobs_total"))
	assert.Equal(t, 4.0, r.Value("depth"))
	assert.Equal(t, 0.0, r.Value("missing"))
}

func TestLabelOrderDoesNotSplitSeries(t *testing.T) {
	r := NewRegistry()
	r.Inc("calls_total", "op", "create", "code", "200")
	r.Inc("calls_total", "code", "200", "op", "create")
	assert.Equal(t, 2.0, r.Value("calls_total", "op", "create", "code", "200"))
}

func TestQuantileInterpolatesWithinBuckets(t *testing.T) {
	r := NewRegistry()
	r.Describe("wait", "wait", 10, 100, 1000)
	for i := 0; i < 90; i++ {
		r.Observe("wait", 5)
	}
	for i := 0; i < 10; i++ {
		r.Observe("wait", 500)
	}

	p50 := r.Quantile("wait", 0.5)
	assert.Greater(t, p50, 5.0)
	assert.Less(t, p50, 6.0)
	assert.Equal(t, 500.0, r.Quantile("wait", 0.99), "estimate is capped at the observed max")
	assert.Equal(t, 500.0, r.Max("wait"))
}

func TestQuantileOverflowBucketUsesMax(t *testing.T) {
	r := NewRegistry()
	r.Describe("lat", "lat", 10)
	r.Observe("lat", 5000)
	assert.Equal(t, 5000.0, r.Quantile("lat", 0.99))
	assert.Equal(t, 0.0, r.Quantile("absent", 0.99))
}

func TestSnapshotIsSorted(t *testing.T) {
	r := NewRegistry()
	r.Inc("b_total")
	r.Inc("a_total")
	r.Observe("lat_ms", 12, "op", "get")

	snap := r.Snapshot()
	require.Len(t, snap.Counters, 2)
	assert.Equal(t, "a_total", snap.Counters[0].Name)
	require.Len(t, snap.Histograms, 1)
	assert.Equal(t, uint64(1), snap.Histograms[0].Count)
	assert.Equal(t, "get", snap.Histograms[0].Labels["op"])
	assert.Empty(t, snap.Gauges)
}

func TestWritePrometheusGolden(t *testing.T) {
	r := NewRegistry()
	r.Describe("listingsync_queue_items_total", "Queue items by final status.")
	r.Add("listingsync_queue_items_total", 3, "status", "complete")
	r.Inc("listingsync_queue_items_total", "status", "dead")
	r.Describe("listingsync_circuit_state", "0 closed, 1 half_open, 2 open.")
	r.Set("listingsync_circuit_state", 2)
	r.Describe("listingsync_adapter_latency_ms", "Adapter call latency.", 10, 100)
	r.Observe("listingsync_adapter_latency_ms", 5, "op", "update")
	r.Observe("listingsync_adapter_latency_ms", 50, "op", "update")
	r.Observe("listingsync_adapter_latency_ms", 500, "op", "update")

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "prometheus", buf.Bytes())
}

func TestNopRecorder(t *testing.T) {
	var rec Recorder = Nop{}
	rec.Add("x", 1)
	rec.Set("x", 1)
	rec.Observe("x", 1)
}
