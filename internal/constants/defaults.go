package constants

// Default persistence configuration values
const (
	DefaultFlushIntervalMs = 1000
	DefaultFlushThreshold  = 50
	DefaultDataDir         = "data"
	QueueSnapshotFile      = "queues.json"
	StatusSnapshotFile     = "status.json"
	DeadLetterSnapshotFile = "dead_letters.json"
	SnapshotTempSuffix     = ".tmp"
	SnapshotFormatVersion  = 1
	SnapshotFileMode       = 0600
	DataDirMode            = 0750
)

// Default retry configuration values
const (
	DefaultMaxRetries       = 5
	DefaultBaseRetryDelayMs = 2000
	DefaultMaxRetryDelayMs  = 30000
)

// Default realtime configuration values
const (
	DefaultHeartbeatIntervalMs    = 15000
	DefaultSyncFallbackIntervalMs = 30000
	DefaultPushTimeoutMs          = 5000
	DefaultSendTimeoutMs          = 10000
	DefaultPeerBreakerFailures    = 3
	DefaultPeerBreakerCooldownSec = 30
	DefaultEventBufferSize        = 64
)

// Default monitoring and retention values
const (
	DefaultStaleSentThresholdSec   = 300
	DefaultDeliveryMonitorSec      = 60
	DefaultHistoryRetentionDays    = 30
	CleanupSchedulerIntervalHours  = 24
	DefaultDatabaseRetryAttempts   = 3
	DefaultDatabaseRetryBackoffMs  = 500
	DefaultDatabaseMaxBackoffMs    = 5000
	DefaultStartupBackoffInitialMs = 500
	DefaultStartupBackoffMaxMs     = 5000
)

// Default server values
const (
	DefaultListenAddr            = ":8420"
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
	MaxRequestBodyBytes          = 4 * 1024 * 1024
)

// Validation limits
const (
	MaxMessageIDLength = 256
	MaxDeviceIDLength  = 128
	MaxPayloadBytes    = 4 * 1024 * 1024
)

// Privacy settings
const (
	DefaultMessageIDLength = 8
	DefaultDeviceMaskLength = 4
)
