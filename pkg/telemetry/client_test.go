package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/events" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if token := r.Header.Get("X-Pipeline-Token"); token != "secret" {
			t.Fatalf("unexpected token header %s", token)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["shop_id"] != "shop-1" {
			t.Fatalf("unexpected shop_id %v", payload["shop_id"])
		}
		if payload["event_type"] != "stage_completed" {
			t.Fatalf("unexpected event_type %v", payload["event_type"])
		}
		if payload["occurred_at"] == "" {
			t.Fatalf("expected occurred_at to be populated")
		}
		if _, ok := payload["run_id"]; ok {
			t.Fatalf("expected empty run_id to be omitted")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", " secret ", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	event := Event{ShopID: "shop-1", RequestID: "req-1", EventType: "stage_completed"}
	if err := client.Emit(context.Background(), event); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func TestEmitAsyncPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "tok", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	event := Event{ShopID: "shop-1", RequestID: "req-1", EventType: "stage_started"}
	if err := client.EmitAsync(context.Background(), event); err != nil {
		t.Fatalf("emit async: %v", err)
	}
	if gotPath != "/events/async" {
		t.Fatalf("unexpected path %s", gotPath)
	}
}

func TestEmitUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "", &http.Client{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Emit(context.Background(), Event{ShopID: "shop-1", RequestID: "req-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestEmitRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "tok", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Emit(context.Background(), Event{ShopID: "shop-1", RequestID: "req-1"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
}

func TestEmitRequiresIdentifiers(t *testing.T) {
	client, err := NewClient("https://telemetry.example.com", "", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Emit(context.Background(), Event{RequestID: "req-1"}); err == nil {
		t.Fatal("expected shop_id validation error")
	}
	if err := client.Emit(context.Background(), Event{ShopID: "shop-1"}); err == nil {
		t.Fatal("expected request_id validation error")
	}
}
