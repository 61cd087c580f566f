package service

// Logging standards for peersync
//
// Standard field names and level usage for every logging call in the
// delivery subsystem.

// Standard Field Names
const (
	// Core identifiers
	LogFieldDeviceID  = "device_id"
	LogFieldPeerID    = "peer_id"
	LogFieldMessageID = "message_id"
	LogFieldRequestID = "request_id"
	LogFieldTraceID   = "trace_id"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"
	LogFieldProtocol  = "protocol"

	// Delivery fields
	LogFieldEvent     = "event"
	LogFieldOutcome   = "outcome"
	LogFieldDirection = "direction" // "inbound" or "outbound"
	LogFieldDelivered = "delivered"

	// HTTP fields
	LogFieldMethod     = "method"
	LogFieldURL        = "url"
	LogFieldRoute      = "route"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"
	LogFieldDelay    = "delay"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldReason    = "reason"
	LogFieldAttempt   = "attempt"
	LogFieldThreshold = "threshold"
)

// Log Level Usage Guidelines
//
// DEBUG: per-attempt detail, retry scheduling, heartbeats, skipped pushes.
//
// INFO: startup/shutdown, loaded snapshots, operator actions (redrive, purge),
// successful sweeps that moved messages.
//
// WARN: messages moved to the dead letter queue, stale sent messages reset,
// history writes that failed, circuit breakers opening.
//
// ERROR: failed flushes, failed snapshot loads, failed cleanups.
//
// FATAL: configuration or storage required for startup is unusable.

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Completed operations: "[Operation] completed"
// Failed operations: "Failed to [operation]"
// Skipping operations: "Skipping [operation]: [reason]"
//
// logger.WithFields(logrus.Fields{
//     LogFieldDeviceID:  privacy.MaskDeviceID(deviceID),
//     LogFieldMessageID: SanitizeMessageID(messageID),
//     LogFieldOutcome:   result.Outcome,
// }).Debug("Delivery attempt completed")
