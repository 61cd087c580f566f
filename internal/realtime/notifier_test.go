package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"peersync/internal/events"
	"peersync/internal/transport"
	"peersync/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) last(t events.Type) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

type resyncLog struct {
	mu    sync.Mutex
	peers []string
}

func (l *resyncLog) Resync(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = append(l.peers, deviceID)
}

func (l *resyncLog) Peers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.peers...)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type node struct {
	transport *transport.MemoryTransport
	notifier  *Notifier
	events    *recorder
	resyncs   *resyncLog
}

func newNode(network *transport.MemoryNetwork, id string, cfg Config, hooks Hooks) *node {
	cfg.SelfID = id
	nd := &node{
		transport: network.Join(id),
		events:    &recorder{},
		resyncs:   &resyncLog{},
	}
	if hooks.Resync == nil {
		hooks.Resync = nd.resyncs.Resync
	}
	nd.notifier = New(cfg, nd.transport, nd.events, hooks, quietLogger())
	return nd
}

func TestNotify_DeliversAndTriggersResyncOnReceiver(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newNode(network, "device-a", Config{Enabled: true}, Hooks{})
	b := newNode(network, "device-b", Config{Enabled: true}, Hooks{})

	require.NoError(t, a.notifier.Notify(context.Background(), "device-b", "msg-1"))

	assert.Equal(t, 1, a.events.count(events.NotificationSent))
	received, ok := b.events.last(events.NotificationReceived)
	require.True(t, ok)
	assert.Equal(t, "device-a", received.PeerID)
	assert.Equal(t, "device-b", received.DeviceID)
	assert.Equal(t, "msg-1", received.MessageID)

	assert.Equal(t, []string{"device-a"}, b.resyncs.Peers())
	_, ok = b.notifier.LastSyncTime("device-a")
	assert.True(t, ok)
	_, ok = a.notifier.LastSyncTime("device-b")
	assert.False(t, ok, "a push reply is not a watermark")
}

func TestNotify_DisabledSendsNothing(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newNode(network, "device-a", Config{Enabled: false}, Hooks{})
	newNode(network, "device-b", Config{Enabled: true}, Hooks{})

	require.NoError(t, a.notifier.Notify(context.Background(), "device-b", "msg-1"))
	assert.Equal(t, 0, a.transport.Opened(transport.ProtocolNotify))
	assert.Equal(t, 0, a.events.count(events.NotificationSent))
}

func TestNotify_FailuresOpenPeerBreaker(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newNode(network, "device-a", Config{
		Enabled: true,
		Breaker: circuitbreaker.Settings{MaxFailures: 2, Cooldown: time.Hour},
	}, Hooks{})
	newNode(network, "device-b", Config{Enabled: true}, Hooks{})
	network.SetOnline("device-b", false)

	ctx := context.Background()
	assert.Error(t, a.notifier.Notify(ctx, "device-b", "m1"))
	assert.Error(t, a.notifier.Notify(ctx, "device-b", "m2"))
	assert.Equal(t, 2, a.transport.Opened(transport.ProtocolNotify))

	err := a.notifier.Notify(ctx, "device-b", "m3")
	require.Error(t, err)
	assert.True(t, circuitbreaker.IsCircuitBreakerError(err))
	assert.Equal(t, 2, a.transport.Opened(transport.ProtocolNotify), "an open breaker skips the push")

	assert.Equal(t, 3, a.events.count(events.NotificationFailed))
	failed, _ := a.events.last(events.NotificationFailed)
	assert.Equal(t, "circuit open", failed.Reason)

	stats := a.notifier.BreakerStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "peer:device-b", stats[0].Name)
	assert.Equal(t, circuitbreaker.StateOpen, stats[0].State)
}

func TestHandleNotification_RejectsGarbage(t *testing.T) {
	network := transport.NewMemoryNetwork()
	b := newNode(network, "device-b", Config{Enabled: true}, Hooks{})

	_, err := b.notifier.handleNotification(context.Background(), "device-a", []byte("{"))
	assert.Error(t, err)
	assert.Empty(t, b.resyncs.Peers())
}

func TestHeartbeat_UpdatesWatermarksAndResyncsPendingPeers(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newNode(network, "device-a", Config{
		Enabled:           true,
		HeartbeatInterval: 10 * time.Millisecond,
		FallbackInterval:  time.Hour,
	}, Hooks{
		Peers:      func() []string { return []string{"device-a", "device-b", "device-c"} },
		HasPending: func(deviceID string) bool { return deviceID == "device-b" },
	})
	b := newNode(network, "device-b", Config{Enabled: true}, Hooks{})

	require.NoError(t, a.notifier.Start(context.Background()))
	defer a.notifier.Close()

	assert.Eventually(t, func() bool {
		return a.events.count(events.HeartbeatReceived) >= 1
	}, time.Second, 5*time.Millisecond)

	_, ok := a.notifier.LastSyncTime("device-b")
	assert.True(t, ok)
	_, ok = b.notifier.LastSyncTime("device-a")
	assert.True(t, ok)
	_, ok = a.notifier.LastSyncTime("device-c")
	assert.False(t, ok, "device-c never answered")

	assert.Contains(t, a.resyncs.Peers(), "device-b")
	assert.NotContains(t, a.resyncs.Peers(), "device-c")

	received, _ := a.events.last(events.HeartbeatReceived)
	assert.Equal(t, "device-b", received.PeerID)
}

func TestFallback_RunsWithRealtimeDisabled(t *testing.T) {
	network := transport.NewMemoryNetwork()
	var sweeps int32
	a := newNode(network, "device-a", Config{
		Enabled:           false,
		HeartbeatInterval: 5 * time.Millisecond,
		FallbackInterval:  20 * time.Millisecond,
	}, Hooks{
		Peers: func() []string { return []string{"device-b"} },
		Sweep: func(context.Context) { atomic.AddInt32(&sweeps, 1) },
	})
	newNode(network, "device-b", Config{Enabled: true}, Hooks{})

	require.NoError(t, a.notifier.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&sweeps) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	a.notifier.Close()
	after := atomic.LoadInt32(&sweeps)
	assert.GreaterOrEqual(t, a.events.count(events.FallbackTriggered), 3)
	assert.Equal(t, 0, a.events.count(events.HeartbeatSent))
	assert.Equal(t, 0, a.transport.Opened(transport.ProtocolHeartbeat))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&sweeps), "no sweep may run after Close")
}

func TestStartTwiceAndCloseTwice(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newNode(network, "device-a", Config{Enabled: true}, Hooks{})

	require.NoError(t, a.notifier.Start(context.Background()))
	assert.Error(t, a.notifier.Start(context.Background()))

	a.notifier.Close()
	a.notifier.Close()
}

func TestHeartbeatReply(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newNode(network, "device-a", Config{Enabled: true}, Hooks{})
	newNode(network, "device-b", Config{Enabled: true}, Hooks{})

	reply, err := transport.Send(context.Background(), a.transport, "device-b", transport.ProtocolHeartbeat, []byte(`{}`))
	require.NoError(t, err)

	var hb Heartbeat
	require.NoError(t, json.Unmarshal(reply, &hb))
	assert.Equal(t, "device-b", hb.From)
	assert.NotZero(t, hb.Timestamp)
}
