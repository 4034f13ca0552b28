package chatlog

import "strings"

// RedactedMarker replaces any value whose key matches the deny-list.
const RedactedMarker = "[redacted]"

// Keys that must never reach disk, matched case-insensitively and by
// substring so header dumps ("X-Service-Token") and snake_case bodies
// ("access_code") both hit.
var denyList = []string{
	"access_code",
	"accesscode",
	"access-code",
	"service_token",
	"servicetoken",
	"service-token",
	"authorization",
	"signature",
	"nonce",
	"secret",
}

func denied(key string) bool {
	k := strings.ToLower(key)
	for _, d := range denyList {
		if strings.Contains(k, d) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of payload with denied keys replaced by the
// redaction marker, including inside nested maps and slices.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if denied(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}
