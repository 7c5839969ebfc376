package telemetry

import "strings"

// RedactedMarker replaces the value of any sensitive payload key.
const RedactedMarker = "[REDACTED]"

// DefaultSensitiveKeys are the payload keys always redacted, matched
// case-insensitively at the top level.
var DefaultSensitiveKeys = []string{"token", "authorization", "secret", "password", "apikey"}

// Redactor strips sensitive values from event payloads.
type Redactor struct {
	keys map[string]struct{}
}

// NewRedactor builds a redactor for the given key set. An empty set falls
// back to DefaultSensitiveKeys.
func NewRedactor(keys ...string) Redactor {
	if len(keys) == 0 {
		keys = DefaultSensitiveKeys
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	return Redactor{keys: set}
}

// Redact returns a copy of payload with every sensitive top-level value
// replaced by RedactedMarker. Non-matching keys, including nested maps, pass
// through unchanged. Redacting an already-redacted payload is a no-op.
func (r Redactor) Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if _, sensitive := r.keys[strings.ToLower(key)]; sensitive {
			out[key] = RedactedMarker
			continue
		}
		out[key] = value
	}
	return out
}
