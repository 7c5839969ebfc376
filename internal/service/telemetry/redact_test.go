package telemetry

import (
	"strings"
	"testing"
)

func TestRedactorMasksDefaultKeys(t *testing.T) {
	r := NewRedactor()
	payload := map[string]any{
		"token":         strings.Repeat("a", 20),
		"Authorization": "Bearer xyz",
		"SECRET":        "hunter2",
		"password":      "p",
		"ApiKey":        "k",
		"prompt":        "render a red mug",
	}
	out := r.Redact(payload)
	for _, key := range []string{"token", "Authorization", "SECRET", "password", "ApiKey"} {
		if out[key] != RedactedMarker {
			t.Fatalf("expected %s to be redacted, got %v", key, out[key])
		}
	}
	if out["prompt"] != "render a red mug" {
		t.Fatalf("expected non-sensitive value untouched, got %v", out["prompt"])
	}
	if payload["token"] == RedactedMarker {
		t.Fatal("expected original payload to be left unmodified")
	}
}

func TestRedactorLeavesNestedAndLargeValues(t *testing.T) {
	r := NewRedactor()
	nested := map[string]any{"token": "inner"}
	large := strings.Repeat("x", 50000)
	out := r.Redact(map[string]any{
		"metadata":          nested,
		"provider_response": large,
	})
	inner, ok := out["metadata"].(map[string]any)
	if !ok || inner["token"] != "inner" {
		t.Fatalf("expected nested map to pass through unchanged, got %v", out["metadata"])
	}
	if out["provider_response"] != large {
		t.Fatal("expected large non-sensitive value untouched")
	}
}

func TestRedactorIdempotent(t *testing.T) {
	r := NewRedactor()
	once := r.Redact(map[string]any{"token": "abc", "stage": "render"})
	twice := r.Redact(once)
	if twice["token"] != RedactedMarker {
		t.Fatalf("expected token to stay redacted, got %v", twice["token"])
	}
	if twice["stage"] != "render" {
		t.Fatalf("expected stage untouched, got %v", twice["stage"])
	}
}

func TestRedactorCustomKeys(t *testing.T) {
	r := NewRedactor("Session_ID")
	out := r.Redact(map[string]any{"session_id": "s-1", "token": "t"})
	if out["session_id"] != RedactedMarker {
		t.Fatalf("expected custom key redacted, got %v", out["session_id"])
	}
	if out["token"] != "t" {
		t.Fatal("expected default keys inactive when a custom set is supplied")
	}
}

func TestRedactorNilPayload(t *testing.T) {
	r := NewRedactor()
	if out := r.Redact(nil); out != nil {
		t.Fatalf("expected nil passthrough, got %v", out)
	}
}
