package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peersync/internal/models"
	"peersync/internal/service"
	"peersync/pkg/peer"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type daemon struct {
	id        string
	manager   *service.SyncManager
	transport *peer.Transport
	inbox     *memoryInbox
	http      *httptest.Server
}

func startDaemon(t *testing.T, id string) *daemon {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	realtime := true
	cfg := models.Config{
		DeviceID: id,
		Sync: models.SyncConfig{
			DataDir:                t.TempDir(),
			FlushIntervalMs:        20,
			MaxRetries:             3,
			BaseRetryDelayMs:       10,
			MaxRetryDelayMs:        50,
			HeartbeatIntervalMs:    3600000,
			SyncFallbackIntervalMs: 100,
			EnableRealtimeSync:     &realtime,
		},
	}

	d := &daemon{
		id:        id,
		transport: peer.New(id, nil, peer.Options{ServeTimeout: 5 * time.Second}, logger),
		inbox:     newMemoryInbox(10),
	}

	manager, err := service.NewSyncManager(service.Options{
		Config:    cfg,
		Transport: d.transport,
		Inbox:     d.inbox,
		Logger:    logger,
	})
	require.NoError(t, err)
	require.NoError(t, manager.Initialize(context.Background()))
	d.manager = manager

	server := NewServer(models.ServerConfig{}, manager, d.transport, nil, d.inbox, logger)
	d.http = httptest.NewServer(server.router)

	t.Cleanup(func() {
		_ = manager.Close(context.Background())
		d.http.Close()
	})
	return d
}

func (d *daemon) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(d.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (d *daemon) status(t *testing.T, messageID string) models.MessageStatusEntry {
	t.Helper()
	resp, err := http.Get(d.http.URL + "/messages/" + messageID + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st models.MessageStatusEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func TestDaemon_DeliversOverWebSocket(t *testing.T) {
	a := startDaemon(t, "device-a")
	b := startDaemon(t, "device-b")
	a.transport.SetPeerAddress("device-b", b.http.URL)
	b.transport.SetPeerAddress("device-a", a.http.URL)

	resp := a.post(t, "/devices/device-b/messages", `{"id":"msg-0001","content":"aGVsbG8gYg=="}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(b.inbox.Messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	received := b.inbox.Messages()[0]
	assert.Equal(t, "device-a", received.From)
	assert.Equal(t, "msg-0001", received.Message.ID)
	assert.Equal(t, []byte("hello b"), received.Message.Content)

	require.Eventually(t, func() bool {
		return a.status(t, "msg-0001").Status == models.DeliveryStatusDelivered
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.manager.GetDeviceQueue("device-b"))
}

func TestDaemon_UnreachablePeerDeadLetters(t *testing.T) {
	a := startDaemon(t, "device-a")
	offline := httptest.NewServer(http.NotFoundHandler())
	offline.Close()
	a.transport.SetPeerAddress("device-z", offline.URL)

	resp := a.post(t, "/devices/device-z/messages", `{"id":"msg-lost","content":"eA=="}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return a.status(t, "msg-lost").Status == models.DeliveryStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	dlq, err := http.Get(a.http.URL + "/dlq")
	require.NoError(t, err)
	defer dlq.Body.Close()
	var entries []models.DeadLetterEntry
	require.NoError(t, json.NewDecoder(dlq.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "msg-lost", entries[0].Message.ID)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.NotEmpty(t, entries[0].Reason)
}
