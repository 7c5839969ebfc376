package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the ingestion API rejected the pipeline token.
var ErrUnauthorized = errors.New("telemetry client unauthorized")

// ErrInvalidArgument indicates the ingestion API rejected the event with validation errors.
var ErrInvalidArgument = errors.New("telemetry client invalid argument")

// ErrRateLimited indicates the ingestion API throttled the request.
var ErrRateLimited = errors.New("telemetry client rate limited")

// Client sends pipeline telemetry events to the renderscope ingestion API.
// Pipeline stages embed one client per process and call Emit on the hot path;
// EmitAsync trades durability for latency on the server side.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Event is a telemetry payload as accepted by the ingestion API.
type Event struct {
	ShopID       string
	RequestID    string
	RunID        string
	VariantID    string
	TraceID      string
	SpanID       string
	ParentSpanID string
	Source       string
	EventType    string
	Severity     string
	Payload      map[string]any
	OccurredAt   time.Time
}

// NewClient creates a telemetry client using the provided API base URL and pipeline token.
func NewClient(baseURL, pipelineToken string, client *http.Client) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("telemetry client base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Client{
		baseURL: trimmed,
		token:   strings.TrimSpace(pipelineToken),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit sends the supplied event and waits for the ingestion API to persist it.
func (c *Client) Emit(ctx context.Context, event Event) error {
	return c.post(ctx, "/events", event)
}

// EmitAsync hands the event to the ingestion API's buffered queue. The call
// returns once the API has accepted the event; persistence happens later and
// the event may be dropped under pressure.
func (c *Client) EmitAsync(ctx context.Context, event Event) error {
	return c.post(ctx, "/events/async", event)
}

func (c *Client) post(ctx context.Context, path string, event Event) error {
	if c == nil {
		return errors.New("telemetry client not initialised")
	}
	shopID := strings.TrimSpace(event.ShopID)
	if shopID == "" {
		return errors.New("telemetry event requires shop_id")
	}
	requestID := strings.TrimSpace(event.RequestID)
	if requestID == "" {
		return errors.New("telemetry event requires request_id")
	}
	body, err := json.Marshal(buildPayload(shopID, requestID, event, c.now))
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Pipeline-Token", c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telemetry request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return c.errorForStatus(resp)
	}
	return nil
}

func (c *Client) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	default:
		return fmt.Errorf("telemetry request failed: %s", summary)
	}
}

func buildPayload(shopID, requestID string, event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn().UTC()
	} else {
		occurred = occurred.UTC()
	}
	payload := map[string]any{
		"shop_id":     shopID,
		"request_id":  requestID,
		"source":      strings.TrimSpace(event.Source),
		"event_type":  strings.TrimSpace(event.EventType),
		"severity":    strings.TrimSpace(event.Severity),
		"occurred_at": occurred.Format(time.RFC3339Nano),
	}
	if event.RunID != "" {
		payload["run_id"] = event.RunID
	}
	if event.VariantID != "" {
		payload["variant_id"] = event.VariantID
	}
	if event.TraceID != "" {
		payload["trace_id"] = event.TraceID
	}
	if event.SpanID != "" {
		payload["span_id"] = event.SpanID
	}
	if event.ParentSpanID != "" {
		payload["parent_span_id"] = event.ParentSpanID
	}
	if event.Payload != nil {
		payload["payload"] = event.Payload
	}
	return payload
}
