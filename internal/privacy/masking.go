package privacy

import (
	"net/url"
	"strings"

	"peersync/internal/constants"
)

// MaskDeviceID masks a device identifier showing only its last characters
// Example: "laptop-7f3a9c" -> "*********3a9c"
func MaskDeviceID(deviceID string) string {
	if deviceID == "" {
		return ""
	}

	// Namespaced ids like "user:phone" keep the namespace readable
	if idx := strings.LastIndex(deviceID, ":"); idx > 0 && idx < len(deviceID)-1 {
		return deviceID[:idx+1] + maskString(deviceID[idx+1:], constants.DefaultDeviceMaskLength)
	}

	return maskString(deviceID, constants.DefaultDeviceMaskLength)
}

// MaskMessageID shortens a message ID to its leading characters
// Example: "3f1c2b8e-4d5a-4c1e-9a7b-0e1f2a3b4c5d" -> "3f1c2b8e..."
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}
	if len(messageID) > constants.DefaultMessageIDLength {
		return messageID[:constants.DefaultMessageIDLength] + "..."
	}
	return messageID
}

// MaskAddress hides credentials and path details of a peer address while
// keeping scheme and host for debugging
// Example: "ws://user:pw@10.0.0.5:8420/p2p" -> "ws://10.0.0.5:8420"
func MaskAddress(address string) string {
	if address == "" {
		return ""
	}
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return maskString(address, 4)
	}
	return u.Scheme + "://" + u.Host
}

// MaskContent hides a payload entirely
func MaskContent(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	return "[hidden]"
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, isString := v.(string)
		if !isString {
			masked[k] = v
			continue
		}

		switch k {
		case "device_id", "deviceId", "peer_id", "peerId", "target_device":
			masked[k] = MaskDeviceID(s)
		case "message_id", "messageId", "msg_id":
			masked[k] = MaskMessageID(s)
		case "address", "peer_address", "url":
			masked[k] = MaskAddress(s)
		case "content", "payload":
			masked[k] = MaskContent([]byte(s))
		default:
			masked[k] = v
		}
	}

	return masked
}
