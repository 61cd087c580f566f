package service

import (
	"context"
	"sync"
	"time"

	"peersync/internal/metrics"
	"peersync/internal/models"

	"github.com/sirupsen/logrus"
)

// StaleSentResetter returns messages stuck in status sent to pending
type StaleSentResetter interface {
	ResetStaleSent(threshold time.Duration) []models.Message
}

// DeliveryMonitor watches for messages that were sent but never confirmed.
// They are reset to pending so the next drain delivers them again.
type DeliveryMonitor struct {
	store          StaleSentResetter
	checkInterval  time.Duration
	staleThreshold time.Duration
	onReset        func(deviceID string)
	logger         *logrus.Logger
	stopCh         chan struct{}
	stopOnce       sync.Once
}

func NewDeliveryMonitor(store StaleSentResetter, checkInterval, staleThreshold time.Duration, onReset func(deviceID string), logger *logrus.Logger) *DeliveryMonitor {
	return &DeliveryMonitor{
		store:          store,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		onReset:        onReset,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting delivery monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkStaleMessages()
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *DeliveryMonitor) checkStaleMessages() int {
	reset := m.store.ResetStaleSent(m.staleThreshold)
	metrics.SetGauge(metrics.StaleSentMessages, float64(len(reset)), nil, "Messages reset after staying in sent status")
	if len(reset) == 0 {
		return 0
	}

	m.logger.WithFields(logrus.Fields{
		LogFieldCount:     len(reset),
		LogFieldThreshold: m.staleThreshold,
	}).Warn("Messages stuck in 'sent' status without delivery confirmation, resetting to pending")

	if m.onReset != nil {
		seen := make(map[string]bool)
		for _, msg := range reset {
			if !seen[msg.TargetDeviceID] {
				seen[msg.TargetDeviceID] = true
				m.onReset(msg.TargetDeviceID)
			}
		}
	}
	return len(reset)
}
