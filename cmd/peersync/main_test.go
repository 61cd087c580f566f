package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"peersync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeDaemonConfig writes a minimal config into a temp dir and points the
// -config flag at it for the duration of the test.
func writeDaemonConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cfg := map[string]interface{}{
		"device_id": "device-a",
		"sync": map[string]interface{}{
			"dataDir":       filepath.Join(dir, "data"),
			"flushInterval": 50,
		},
		"database": map[string]interface{}{
			"path": filepath.Join(dir, "history.db"),
		},
		"server": map[string]interface{}{
			"listen_addr": "127.0.0.1:0",
		},
		"log_level": "error",
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0600))

	prev := *configPath
	*configPath = path
	t.Cleanup(func() { *configPath = prev })
	return dir
}

func TestRun_GracefulShutdown(t *testing.T) {
	dir := writeDaemonConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	_, err := os.Stat(filepath.Join(dir, "history.db"))
	assert.NoError(t, err, "history database should be created")
}

func TestRun_ConfigLoadError(t *testing.T) {
	prev := *configPath
	*configPath = filepath.Join(t.TempDir(), "missing.json")
	defer func() { *configPath = prev }()

	err := run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestConfigureLogLevel(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		verbose    bool
		want       logrus.Level
	}{
		{"default", "", false, logrus.InfoLevel},
		{"warn", "warn", false, logrus.WarnLevel},
		{"error", "error", false, logrus.ErrorLevel},
		{"debug capped without verbose", "debug", false, logrus.InfoLevel},
		{"invalid", "loud", false, logrus.InfoLevel},
		{"verbose wins", "error", true, logrus.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logrus.New()
			logger.SetOutput(&bytes.Buffer{})
			configureLogLevel(logger, tt.configured, tt.verbose)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestOpenDatabase(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	db, err := openDatabase(context.Background(), filepath.Join(t.TempDir(), "history.db"), logger)
	require.NoError(t, err)
	defer db.Close()
	assert.NoError(t, db.Ping(context.Background()))
}

func TestOpenDatabase_GivesUp(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	_, err := openDatabase(context.Background(), "../escape/history.db", logger)
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "Failed to initialize database")
}

type recordingAddressSetter struct {
	addresses map[string]string
}

func (r *recordingAddressSetter) SetPeerAddress(peerID, address string) {
	r.addresses[peerID] = address
}

func TestApplyPeerChanges(t *testing.T) {
	setter := &recordingAddressSetter{addresses: map[string]string{"device-b": "http://old:1"}}
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	applyPeerChanges(setter, []models.PeerConfig{
		{DeviceID: "device-b", Address: "http://new:1"},
		{DeviceID: "device-c", Address: "https://c.example:8420"},
	}, logger)

	assert.Equal(t, map[string]string{
		"device-b": "http://new:1",
		"device-c": "https://c.example:8420",
	}, setter.addresses)
}
