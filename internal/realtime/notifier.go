// Package realtime pushes best-effort sync notifications to peers, keeps
// links alive with heartbeats and guarantees a periodic fallback sweep.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"peersync/internal/constants"
	"peersync/internal/events"
	"peersync/internal/metrics"
	"peersync/internal/privacy"
	"peersync/internal/transport"
	"peersync/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// Notification announces that a message is waiting for DeviceID
type Notification struct {
	DeviceID  string `json:"deviceId"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// Ack is the minimal reply to a notification
type Ack struct {
	Ack       bool  `json:"ack"`
	Timestamp int64 `json:"timestamp"`
}

// Heartbeat is exchanged on the heartbeat protocol in both directions
type Heartbeat struct {
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

// Config controls the notifier timers
type Config struct {
	SelfID            string
	Enabled           bool
	HeartbeatInterval time.Duration
	FallbackInterval  time.Duration
	PushTimeout       time.Duration
	Breaker           circuitbreaker.Settings
}

// Hooks connect the notifier to the delivery layer. Resync must not block:
// it is called from inbound stream handlers.
type Hooks struct {
	// Peers lists every peer the heartbeat should ping
	Peers func() []string
	// HasPending reports whether this node still owes deviceID messages
	HasPending func(deviceID string) bool
	// Resync requests a drain of the queue for deviceID
	Resync func(deviceID string)
	// Sweep runs a full pass over every device queue
	Sweep func(ctx context.Context)
}

// Notifier runs the realtime layer for one device
type Notifier struct {
	cfg       Config
	transport transport.Transport
	publisher events.Publisher
	hooks     Hooks
	breakers  *circuitbreaker.Group
	logger    *logrus.Logger
	now       func() time.Time

	syncMu   sync.RWMutex
	lastSync map[string]time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a notifier and registers its inbound protocol handlers on t
func New(cfg Config, t transport.Transport, publisher events.Publisher, hooks Hooks, logger *logrus.Logger) *Notifier {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = constants.DefaultHeartbeatIntervalMs * time.Millisecond
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = constants.DefaultSyncFallbackIntervalMs * time.Millisecond
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = constants.DefaultPushTimeoutMs * time.Millisecond
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = constants.DefaultPeerBreakerFailures
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = constants.DefaultPeerBreakerCooldownSec * time.Second
	}

	n := &Notifier{
		cfg:       cfg,
		transport: t,
		publisher: publisher,
		hooks:     hooks,
		breakers:  circuitbreaker.NewGroup("peer", cfg.Breaker, logger),
		logger:    logger,
		now:       time.Now,
		lastSync:  make(map[string]time.Time),
	}

	t.Handle(transport.ProtocolNotify, n.handleNotification)
	t.Handle(transport.ProtocolHeartbeat, n.handleHeartbeat)
	return n
}

// Enabled reports whether pushes and heartbeats run
func (n *Notifier) Enabled() bool {
	return n.cfg.Enabled
}

// Start launches the fallback loop and, when realtime is enabled, the heartbeat loop
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return fmt.Errorf("realtime notifier is already running")
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.running = true

	n.wg.Add(1)
	go n.fallbackLoop()

	if n.cfg.Enabled {
		n.wg.Add(1)
		go n.heartbeatLoop()
	}

	n.logger.WithFields(logrus.Fields{
		"realtime":           n.cfg.Enabled,
		"heartbeat_interval": n.cfg.HeartbeatInterval,
		"fallback_interval":  n.cfg.FallbackInterval,
	}).Info("Realtime notifier started")
	return nil
}

// Close stops every loop and waits for in-progress ticks to finish
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return
	}
	n.cancel()
	n.wg.Wait()
	n.running = false
	n.logger.Info("Realtime notifier stopped")
}

// Notify pushes a notification about messageID to deviceID. It is best
// effort: the error is informational and never changes delivery state.
func (n *Notifier) Notify(ctx context.Context, deviceID, messageID string) error {
	if !n.cfg.Enabled {
		return nil
	}

	fields := logrus.Fields{
		"device_id":  privacy.MaskDeviceID(deviceID),
		"message_id": privacy.MaskMessageID(messageID),
	}

	payload, err := json.Marshal(Notification{
		DeviceID:  deviceID,
		MessageID: messageID,
		Timestamp: n.now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.PushTimeout)
	defer cancel()

	err = n.breakers.Get(deviceID).Execute(ctx, func(ctx context.Context) error {
		_, err := transport.Send(ctx, n.transport, deviceID, transport.ProtocolNotify, payload)
		return err
	})
	if err != nil {
		reason := err.Error()
		if circuitbreaker.IsCircuitBreakerError(err) {
			reason = "circuit open"
		}
		metrics.IncrementCounter(metrics.NotificationsFailed, nil, "Failed push notifications")
		n.logger.WithFields(fields).WithField("reason", reason).Debug("Push notification failed")
		n.publish(events.Event{
			Type:      events.NotificationFailed,
			DeviceID:  deviceID,
			PeerID:    deviceID,
			MessageID: messageID,
			Reason:    reason,
		})
		return err
	}

	metrics.IncrementCounter(metrics.NotificationsSent, nil, "Push notifications sent")
	n.publish(events.Event{Type: events.NotificationSent, DeviceID: deviceID, PeerID: deviceID, MessageID: messageID})
	return nil
}

// handleNotification serves inbound pushes. The sender is online, so
// whatever this node owes it is drained right away.
func (n *Notifier) handleNotification(ctx context.Context, peerID string, payload []byte) ([]byte, error) {
	var note Notification
	if err := json.Unmarshal(payload, &note); err != nil {
		return nil, fmt.Errorf("invalid notification: %w", err)
	}

	n.touch(peerID)
	n.publish(events.Event{
		Type:      events.NotificationReceived,
		PeerID:    peerID,
		DeviceID:  note.DeviceID,
		MessageID: note.MessageID,
	})
	if n.hooks.Resync != nil {
		n.hooks.Resync(peerID)
	}

	return json.Marshal(Ack{Ack: true, Timestamp: n.now().UnixMilli()})
}

func (n *Notifier) handleHeartbeat(ctx context.Context, peerID string, payload []byte) ([]byte, error) {
	n.touch(peerID)
	return json.Marshal(Heartbeat{From: n.cfg.SelfID, Timestamp: n.now().UnixMilli()})
}

func (n *Notifier) heartbeatLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.heartbeat(n.ctx)
		}
	}
}

// heartbeat pings every known peer concurrently and waits for all replies
func (n *Notifier) heartbeat(ctx context.Context) {
	if n.hooks.Peers == nil {
		return
	}

	var wg sync.WaitGroup
	for _, peerID := range n.hooks.Peers() {
		if peerID == n.cfg.SelfID {
			continue
		}
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			n.ping(ctx, peerID)
		}(peerID)
	}
	wg.Wait()
}

func (n *Notifier) ping(ctx context.Context, peerID string) {
	payload, err := json.Marshal(Heartbeat{From: n.cfg.SelfID, Timestamp: n.now().UnixMilli()})
	if err != nil {
		return
	}

	n.publish(events.Event{Type: events.HeartbeatSent, PeerID: peerID})

	ctx, cancel := context.WithTimeout(ctx, n.cfg.PushTimeout)
	defer cancel()

	if _, err := transport.Send(ctx, n.transport, peerID, transport.ProtocolHeartbeat, payload); err != nil {
		n.logger.WithError(err).WithField("peer_id", privacy.MaskDeviceID(peerID)).Debug("Heartbeat failed")
		return
	}

	n.touch(peerID)
	metrics.IncrementCounter(metrics.HeartbeatsReceived, nil, "Heartbeat replies received")
	n.publish(events.Event{Type: events.HeartbeatReceived, PeerID: peerID})

	if n.hooks.HasPending != nil && n.hooks.HasPending(peerID) && n.hooks.Resync != nil {
		n.hooks.Resync(peerID)
	}
}

func (n *Notifier) fallbackLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.fallback(n.ctx)
		}
	}
}

func (n *Notifier) fallback(ctx context.Context) {
	metrics.IncrementCounter(metrics.FallbackSweeps, nil, "Fallback sweeps")
	n.publish(events.Event{Type: events.FallbackTriggered})
	if n.hooks.Sweep != nil {
		n.hooks.Sweep(ctx)
	}
}

func (n *Notifier) touch(peerID string) {
	n.syncMu.Lock()
	n.lastSync[peerID] = n.now()
	n.syncMu.Unlock()
}

// LastSyncTime returns when peerID was last heard from
func (n *Notifier) LastSyncTime(peerID string) (time.Time, bool) {
	n.syncMu.RLock()
	defer n.syncMu.RUnlock()
	t, ok := n.lastSync[peerID]
	return t, ok
}

// BreakerStats returns the push circuit breaker state per peer
func (n *Notifier) BreakerStats() []circuitbreaker.Stats {
	return n.breakers.Stats()
}

func (n *Notifier) publish(e events.Event) {
	if n.publisher != nil {
		n.publisher.Publish(e)
	}
}
