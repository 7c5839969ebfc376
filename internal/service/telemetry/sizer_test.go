package telemetry

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSizePayloadInline(t *testing.T) {
	payload := map[string]any{"stage": "render", "duration_ms": 120}
	sized, err := SizePayload(payload, 10000)
	if err != nil {
		t.Fatalf("size payload: %v", err)
	}
	if !sized.Inline {
		t.Fatal("expected payload under threshold to stay inline")
	}
	if sized.Payload["stage"] != "render" {
		t.Fatal("expected inline payload returned unchanged")
	}
	serialized, _ := json.Marshal(payload)
	if sized.SerializedSize != len(serialized) {
		t.Fatalf("expected serialized size %d, got %d", len(serialized), sized.SerializedSize)
	}
}

func TestSizePayloadOverflow(t *testing.T) {
	payload := map[string]any{"provider_response": strings.Repeat("x", 20000)}
	sized, err := SizePayload(payload, 10000)
	if err != nil {
		t.Fatalf("size payload: %v", err)
	}
	if sized.Inline {
		t.Fatal("expected oversized payload to be flagged for offload")
	}
	if sized.Payload[TruncatedKey] != true {
		t.Fatalf("expected truncation marker, got %v", sized.Payload[TruncatedKey])
	}
	preview, ok := sized.Payload[PreviewKey].(string)
	if !ok || preview == "" {
		t.Fatal("expected preview string on truncated payload")
	}
	if len(preview) > previewBytes {
		t.Fatalf("expected preview bounded to %d bytes, got %d", previewBytes, len(preview))
	}
	if sized.SerializedSize <= 20000 {
		t.Fatalf("expected serialized size above raw value length, got %d", sized.SerializedSize)
	}
}

func TestSizePayloadExactThreshold(t *testing.T) {
	payload := map[string]any{"k": "v"}
	serialized, _ := json.Marshal(payload)
	sized, err := SizePayload(payload, len(serialized))
	if err != nil {
		t.Fatalf("size payload: %v", err)
	}
	if !sized.Inline {
		t.Fatal("expected payload exactly at threshold to stay inline")
	}
}
