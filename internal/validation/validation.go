package validation

import (
	"fmt"
	"net/http"
	"unicode"

	"peersync/internal/constants"
	"peersync/internal/errors"
)

// ValidateDeviceID validates a device identifier. Device IDs double as peer
// IDs on the transport and as keys in the queue snapshot.
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return errors.NewValidationError("device_id", deviceID, "device ID cannot be empty")
	}

	if len(deviceID) > constants.MaxDeviceIDLength {
		return errors.NewValidationError("device_id", deviceID,
			fmt.Sprintf("device ID too long (max %d characters)", constants.MaxDeviceIDLength))
	}

	for _, char := range deviceID {
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) && char != '_' && char != '-' && char != '.' && char != ':' {
			return errors.NewValidationError("device_id", deviceID,
				"device ID must contain only letters, numbers, dots, colons, underscores, and dashes")
		}
	}

	return nil
}

// ValidateMessageID validates message ID format and length
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "message ID cannot be empty")
	}

	if len(messageID) > constants.MaxMessageIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("message ID too long (max %d characters)", constants.MaxMessageIDLength))
	}

	// Check for control characters that could cause issues
	for _, char := range messageID {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' {
			return errors.New(errors.ErrCodeInvalidInput, "message ID contains invalid characters")
		}
	}

	return nil
}

// ValidatePayloadSize validates an opaque message payload
func ValidatePayloadSize(content []byte) error {
	if len(content) > constants.MaxPayloadBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("payload too large: %d bytes (max %d bytes)", len(content), constants.MaxPayloadBytes))
	}
	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateRetentionDays validates history retention period
func ValidateRetentionDays(days int) error {
	if days < 1 {
		return errors.New(errors.ErrCodeInvalidInput, "retention days must be at least 1")
	}

	if days > 3650 { // Max 10 years
		return errors.New(errors.ErrCodeInvalidInput, "retention days too large (max 3650)")
	}

	return nil
}
