package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"peersync/internal/constants"
	"peersync/internal/models"
	"peersync/internal/security"
	"peersync/internal/validation"
)

var (
	ErrMissingDeviceID = models.ConfigError{Message: "missing device_id"}
	ErrMissingDBPath   = models.ConfigError{Message: "missing database path"}
)

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateStoragePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateStoragePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.DeviceID == "" {
		return ErrMissingDeviceID
	}
	if err := validation.ValidateDeviceID(c.DeviceID); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid device_id: %v", err)}
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	// Validate each peer
	seen := make(map[string]bool)
	for i, peer := range c.Peers {
		if peer.DeviceID == "" {
			return models.ConfigError{Message: fmt.Sprintf("empty device_id in peer %d", i)}
		}
		if err := validation.ValidateDeviceID(peer.DeviceID); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid device_id in peer %d: %v", i, err)}
		}
		if peer.DeviceID == c.DeviceID {
			return models.ConfigError{Message: fmt.Sprintf("peer %d uses this device's own id", i)}
		}
		if seen[peer.DeviceID] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate peer device_id: %s", peer.DeviceID)}
		}
		seen[peer.DeviceID] = true

		if err := validatePeerAddress(peer.Address); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid address for peer %s: %v", peer.DeviceID, err)}
		}
	}

	s := &c.Sync
	if s.DataDir == "" {
		s.DataDir = constants.DefaultDataDir
	}
	if s.FlushIntervalMs <= 0 {
		s.FlushIntervalMs = constants.DefaultFlushIntervalMs
	}
	if s.FlushThreshold <= 0 {
		s.FlushThreshold = constants.DefaultFlushThreshold
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = constants.DefaultMaxRetries
	}
	if s.BaseRetryDelayMs <= 0 {
		s.BaseRetryDelayMs = constants.DefaultBaseRetryDelayMs
	}
	if s.MaxRetryDelayMs <= 0 {
		s.MaxRetryDelayMs = constants.DefaultMaxRetryDelayMs
	}
	if s.MaxRetryDelayMs < s.BaseRetryDelayMs {
		return models.ConfigError{Message: "sync.maxRetryDelay must not be smaller than sync.baseRetryDelay"}
	}
	if s.HeartbeatIntervalMs <= 0 {
		s.HeartbeatIntervalMs = constants.DefaultHeartbeatIntervalMs
	}
	if s.SyncFallbackIntervalMs <= 0 {
		s.SyncFallbackIntervalMs = constants.DefaultSyncFallbackIntervalMs
	}
	if s.SendTimeoutMs <= 0 {
		s.SendTimeoutMs = constants.DefaultSendTimeoutMs
	}
	if s.PushTimeoutMs <= 0 {
		s.PushTimeoutMs = constants.DefaultPushTimeoutMs
	}
	if s.StaleSentThresholdSec <= 0 {
		s.StaleSentThresholdSec = constants.DefaultStaleSentThresholdSec
	}
	if s.DeliveryMonitorSec <= 0 {
		s.DeliveryMonitorSec = constants.DefaultDeliveryMonitorSec
	}

	if c.Database.RetentionDays <= 0 {
		c.Database.RetentionDays = constants.DefaultHistoryRetentionDays
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = constants.DefaultListenAddr
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "peersync"
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing.sample_rate must be between 0 and 1"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func validatePeerAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address is empty")
	}
	u, err := url.Parse(address)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if id := os.Getenv("PEERSYNC_DEVICE_ID"); id != "" {
		c.DeviceID = id
	}
	if dir := os.Getenv("PEERSYNC_DATA_DIR"); dir != "" {
		c.Sync.DataDir = dir
	}
	if path := os.Getenv("PEERSYNC_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("PEERSYNC_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Tracing.OTLPEndpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if err := security.ValidateStoragePath(c.Sync.DataDir); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid sync.dataDir: %v", err)}
	}
	if err := security.ValidateStoragePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}

	isProduction := os.Getenv("PEERSYNC_ENV") == "production"
	if isProduction {
		if c.LogLevel == "debug" || c.LogLevel == "trace" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
		for _, peer := range c.Peers {
			if strings.HasPrefix(peer.Address, "http://") || strings.HasPrefix(peer.Address, "ws://") {
				fmt.Fprintf(os.Stderr, "WARNING: peer %s is reached over an unencrypted connection.\n", peer.DeviceID)
			}
		}
	}

	return nil
}
