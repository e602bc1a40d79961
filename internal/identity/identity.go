package identity

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// MinLength is the minimum number of characters a device identity must have after trimming.
const MinLength = 6

// Normalize returns the canonical device identity for raw, or false when raw cannot
// name a device (empty, whitespace only, a sentinel value, or too short).
func Normalize(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "unknown" || trimmed == "unknown_device" {
		return "", false
	}
	if utf8.RuneCountInString(trimmed) < MinLength {
		return "", false
	}
	return trimmed, true
}

// FromJSON normalizes an identity carried in a JSON value. Devices send either a bare
// string or an object with a "deviceId" field; any other shape is rejected.
func FromJSON(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Normalize(s)
	}

	var obj struct {
		DeviceID *string `json:"deviceId"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.DeviceID == nil {
		return "", false
	}
	return Normalize(*obj.DeviceID)
}

// Mask hides the middle of an identity or phone number for log output (e.g. +49******89).
func Mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
