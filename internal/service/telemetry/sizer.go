package telemetry

import "encoding/json"

// Marker keys stamped on a preview payload when the original was too large
// to store inline.
const (
	TruncatedKey = "__truncated"
	PreviewKey   = "__preview"
)

// previewBytes bounds the serialized prefix kept inline for oversized
// payloads. Enough to identify the event without reproducing it.
const previewBytes = 512

// SizedPayload is the outcome of classifying a payload against the inline
// size threshold.
type SizedPayload struct {
	// Payload is what gets stored on the event row: the original payload
	// when inline, a bounded preview object otherwise.
	Payload map[string]any
	// Inline is false when the original payload must be offloaded.
	Inline bool
	// SerializedSize is the byte length of the original payload's JSON form.
	SerializedSize int
}

// SizePayload serializes payload and classifies it against maxBytes. The
// original payload is never dropped here; offloading an oversized payload is
// the caller's job.
func SizePayload(payload map[string]any, maxBytes int) (SizedPayload, error) {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return SizedPayload{}, err
	}
	if len(serialized) <= maxBytes {
		return SizedPayload{Payload: payload, Inline: true, SerializedSize: len(serialized)}, nil
	}
	preview := serialized
	if len(preview) > previewBytes {
		preview = preview[:previewBytes]
	}
	return SizedPayload{
		Payload: map[string]any{
			TruncatedKey: true,
			PreviewKey:   string(preview),
		},
		Inline:         false,
		SerializedSize: len(serialized),
	}, nil
}
