package service

import (
	"context"

	"peersync/internal/privacy"
	"peersync/internal/retry"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerboseLogging marks ctx so identifiers are logged unmasked
func WithVerboseLogging(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// SanitizeMessageID shortens message IDs for privacy
func SanitizeMessageID(msgID string) string {
	if msgID == "" {
		return ""
	}
	return privacy.MaskMessageID(msgID)
}

// SanitizeDeviceID masks device IDs for privacy
func SanitizeDeviceID(deviceID string) string {
	if deviceID == "" {
		return ""
	}
	return privacy.MaskDeviceID(deviceID)
}

// LogWithContext creates a logger entry with optional sensitive information
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("verbose", IsVerboseLogging(ctx))
}

// idFields returns device and message fields, masked unless ctx is verbose
func idFields(ctx context.Context, deviceID, messageID string) logrus.Fields {
	if IsVerboseLogging(ctx) {
		return logrus.Fields{
			LogFieldDeviceID:  deviceID,
			LogFieldMessageID: messageID,
		}
	}
	return logrus.Fields{
		LogFieldDeviceID:  SanitizeDeviceID(deviceID),
		LogFieldMessageID: SanitizeMessageID(messageID),
	}
}

// LogDeliveryResult logs one delivery attempt with privacy controls
func LogDeliveryResult(ctx context.Context, logger *logrus.Logger, deviceID, messageID string, result retry.Result) {
	entry := logger.WithFields(idFields(ctx, deviceID, messageID)).WithFields(logrus.Fields{
		LogFieldOutcome:   result.Outcome,
		LogFieldAttempt:   result.Attempts,
		LogFieldDirection: "outbound",
	})
	if result.Delay > 0 {
		entry = entry.WithField(LogFieldDelay, result.Delay)
	}
	if result.Err != nil {
		entry = entry.WithError(result.Err)
	}

	switch result.Outcome {
	case retry.OutcomeDeadLettered:
		entry.Warn("Delivery attempt exhausted retries")
	case retry.OutcomeSkipped:
		entry.Trace("Skipping delivery attempt")
	default:
		entry.Debug("Delivery attempt completed")
	}
}

// LogInboundMessage logs a received message with privacy controls. Content
// is only logged in verbose mode.
func LogInboundMessage(ctx context.Context, logger *logrus.Logger, peerID, messageID string, content []byte) {
	fields := logrus.Fields{
		LogFieldDirection: "inbound",
		LogFieldSize:      len(content),
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldPeerID] = peerID
		fields[LogFieldMessageID] = messageID
		fields["content"] = string(content)
	} else {
		fields[LogFieldPeerID] = SanitizeDeviceID(peerID)
		fields[LogFieldMessageID] = SanitizeMessageID(messageID)
		fields["content"] = privacy.MaskContent(content)
	}
	logger.WithFields(fields).Debug("Received message from peer")
}
