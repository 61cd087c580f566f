package models

import "time"

// Config holds the application configuration
type Config struct {
	DeviceID string         `json:"device_id"`
	Sync     SyncConfig     `json:"sync"`
	Peers    []PeerConfig   `json:"peers"`
	Database DatabaseConfig `json:"database"`
	Server   ServerConfig   `json:"server"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// SyncConfig holds the delivery subsystem settings. Durations are expressed in
// milliseconds in the config file.
type SyncConfig struct {
	DataDir                string `json:"dataDir"`
	FlushIntervalMs        int    `json:"flushInterval"`
	FlushThreshold         int    `json:"flushThreshold"`
	MaxRetries             int    `json:"maxRetries"`
	BaseRetryDelayMs       int    `json:"baseRetryDelay"`
	MaxRetryDelayMs        int    `json:"maxRetryDelay"`
	HeartbeatIntervalMs    int    `json:"heartbeatInterval"`
	SyncFallbackIntervalMs int    `json:"syncFallbackInterval"`
	EnableRealtimeSync     *bool  `json:"enableRealtimeSync"`
	SendTimeoutMs          int    `json:"sendTimeout"`
	PushTimeoutMs          int    `json:"pushTimeout"`
	StaleSentThresholdSec  int    `json:"staleSentThresholdSec"`
	DeliveryMonitorSec     int    `json:"deliveryMonitorSec"`
}

func (c SyncConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func (c SyncConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMs) * time.Millisecond
}

func (c SyncConfig) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelayMs) * time.Millisecond
}

func (c SyncConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c SyncConfig) SyncFallbackInterval() time.Duration {
	return time.Duration(c.SyncFallbackIntervalMs) * time.Millisecond
}

func (c SyncConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

func (c SyncConfig) PushTimeout() time.Duration {
	return time.Duration(c.PushTimeoutMs) * time.Millisecond
}

func (c SyncConfig) StaleSentThreshold() time.Duration {
	return time.Duration(c.StaleSentThresholdSec) * time.Second
}

func (c SyncConfig) DeliveryMonitorInterval() time.Duration {
	return time.Duration(c.DeliveryMonitorSec) * time.Second
}

// RealtimeEnabled reports whether push notifications and heartbeats run.
// Realtime sync is on unless explicitly disabled.
func (c SyncConfig) RealtimeEnabled() bool {
	return c.EnableRealtimeSync == nil || *c.EnableRealtimeSync
}

// PeerConfig names a known peer device and where to reach it
type PeerConfig struct {
	DeviceID string `json:"device_id"`
	Address  string `json:"address"`
}

// DatabaseConfig holds delivery history database settings
type DatabaseConfig struct {
	Path          string `json:"path"`
	RetentionDays int    `json:"retentionDays"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	ListenAddr      string `json:"listen_addr"`
	ReadTimeoutSec  int    `json:"readTimeoutSec"`
	WriteTimeoutSec int    `json:"writeTimeoutSec"`
	IdleTimeoutSec  int    `json:"idleTimeoutSec"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	Enabled        bool    `json:"enabled"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
