package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"peersync/internal/metrics"
	"peersync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResetter struct {
	mu        sync.Mutex
	reset     []models.Message
	calls     int
	threshold time.Duration
}

func (f *fakeResetter) ResetStaleSent(threshold time.Duration) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.threshold = threshold
	out := f.reset
	f.reset = nil
	return out
}

func (f *fakeResetter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDeliveryMonitor_ResetsStaleMessagesOncePerDevice(t *testing.T) {
	store := &fakeResetter{reset: []models.Message{
		{ID: "m1", TargetDeviceID: "device-b"},
		{ID: "m2", TargetDeviceID: "device-b"},
		{ID: "m3", TargetDeviceID: "device-c"},
	}}
	var resynced []string
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	monitor := NewDeliveryMonitor(store, time.Minute, 5*time.Minute, func(deviceID string) {
		resynced = append(resynced, deviceID)
	}, logger)

	assert.Equal(t, 3, monitor.checkStaleMessages())
	assert.Equal(t, []string{"device-b", "device-c"}, resynced)
	assert.Equal(t, 5*time.Minute, store.threshold)

	gauge, ok := metrics.GetRegistry().GaugeValue(metrics.StaleSentMessages, nil)
	require.True(t, ok)
	assert.Equal(t, float64(3), gauge)

	assert.Equal(t, 0, monitor.checkStaleMessages())
	gauge, _ = metrics.GetRegistry().GaugeValue(metrics.StaleSentMessages, nil)
	assert.Equal(t, float64(0), gauge)
}

func TestDeliveryMonitor_StartStop(t *testing.T) {
	store := &fakeResetter{}
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	monitor := NewDeliveryMonitor(store, 5*time.Millisecond, time.Minute, nil, logger)

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.callCount() >= 2 }, time.Second, 5*time.Millisecond)

	monitor.Stop()
	monitor.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Delivery monitor did not stop within timeout")
	}
}
