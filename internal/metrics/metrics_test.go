package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IncrementCounter(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter(MessagesQueued, nil, "Messages queued")
	registry.IncrementCounter(MessagesQueued, nil, "Messages queued")
	registry.IncrementCounter(MessagesQueued, map[string]string{"device": "d1"}, "Messages queued")

	assert.Equal(t, 2.0, registry.CounterValue(MessagesQueued, nil))
	assert.Equal(t, 1.0, registry.CounterValue(MessagesQueued, map[string]string{"device": "d1"}))
	assert.Equal(t, 0.0, registry.CounterValue("unknown", nil))
}

func TestRegistry_AddToCounter(t *testing.T) {
	registry := NewRegistry()

	registry.AddToCounter(DeliveryAttempts, 5, nil, "")
	registry.AddToCounter(DeliveryAttempts, -2, nil, "")

	assert.Equal(t, 3.0, registry.CounterValue(DeliveryAttempts, nil))
}

func TestRegistry_RecordTimer(t *testing.T) {
	registry := NewRegistry()

	for i := 1; i <= 20; i++ {
		registry.RecordTimer(FlushDuration, time.Duration(i)*time.Millisecond, nil, "Flush duration")
	}

	all := registry.GetAllMetrics()
	timers := all["timers"].(map[string]TimerMetric)
	timer, ok := timers[FlushDuration]
	require.True(t, ok)

	assert.Equal(t, int64(20), timer.Count)
	assert.InDelta(t, 1.0, timer.Min, 0.001)
	assert.InDelta(t, 20.0, timer.Max, 0.001)
	assert.InDelta(t, 10.5, timer.Average, 0.001)
	assert.InDelta(t, 20.0, timer.P95, 0.001)
}

func TestRegistry_TimerSampleWindow(t *testing.T) {
	registry := NewRegistry()

	for i := 0; i < maxTimerSamples+50; i++ {
		registry.RecordTimer(FlushDuration, time.Millisecond, nil, "")
	}

	assert.Len(t, registry.timers[FlushDuration].samples, maxTimerSamples)
}

func TestRegistry_SetGauge(t *testing.T) {
	registry := NewRegistry()

	_, ok := registry.GaugeValue(QueueDepth, nil)
	assert.False(t, ok)

	registry.SetGauge(QueueDepth, 7, nil, "Queued messages")
	registry.SetGauge(QueueDepth, 3, nil, "Queued messages")

	value, ok := registry.GaugeValue(QueueDepth, nil)
	assert.True(t, ok)
	assert.Equal(t, 3.0, value)
}

func TestMetricKey_StableLabelOrder(t *testing.T) {
	a := metricKey("m", map[string]string{"b": "2", "a": "1"})
	b := metricKey("m", map[string]string{"a": "1", "b": "2"})

	assert.Equal(t, a, b)
	assert.Equal(t, "m_a:1_b:2", a)
	assert.Equal(t, "m", metricKey("m", nil))
}

func TestGetAllMetrics_ReturnsCopies(t *testing.T) {
	registry := NewRegistry()
	registry.IncrementCounter(DeadLettered, nil, "")

	all := registry.GetAllMetrics()
	counters := all["counters"].(map[string]Metric)
	m := counters[DeadLettered]
	m.Value = 100

	assert.Equal(t, 1.0, registry.CounterValue(DeadLettered, nil))
	assert.Contains(t, all, "uptime_ms")
}

func TestCopyLabels(t *testing.T) {
	assert.Nil(t, copyLabels(nil))

	original := map[string]string{"k": "v"}
	copied := copyLabels(original)
	copied["k"] = "changed"
	assert.Equal(t, "v", original["k"])
}
