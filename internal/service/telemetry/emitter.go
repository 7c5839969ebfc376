package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/shoplens/renderscope/internal/config"
	"github.com/shoplens/renderscope/internal/domain"
	"github.com/shoplens/renderscope/internal/repository"
	"github.com/shoplens/renderscope/internal/service/artifact"
	"github.com/shoplens/renderscope/internal/ws"
)

const flushEventTimeout = 5 * time.Second

// ErrInvalidEvent indicates missing or malformed correlation keys. Nothing
// is written when this is returned.
var ErrInvalidEvent = errors.New("telemetry event invalid")

// EventInput carries one telemetry event from an instrumentation caller.
type EventInput struct {
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

// Emitter ingests telemetry events: redaction, inline/overflow sizing,
// durable event rows and overflow artifact offload.
type Emitter struct {
	events    repository.EventRepository
	artifacts *artifact.Service
	hub       *ws.Hub
	redactor  Redactor
	maxInline int
	logger    *slog.Logger
	metrics   *emitterMetrics
	now       func() time.Time
	queue     chan EventInput
	dropped   atomic.Int64
	workers   int
	once      sync.Once
}

// NewEmitter constructs an Emitter with the configured inline threshold and
// async queue capacity.
func NewEmitter(events repository.EventRepository, artifacts *artifact.Service, hub *ws.Hub, cfg config.Config, logger *slog.Logger) *Emitter {
	maxInline := cfg.MaxInlineBytes
	if maxInline <= 0 {
		maxInline = 10000
	}
	queueSize := cfg.EmitQueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	workers := cfg.EmitWorkers
	if workers <= 0 {
		workers = 4
	}
	if logger != nil {
		logger = logger.With("component", "telemetry_emitter")
	}
	return &Emitter{
		events:    events,
		artifacts: artifacts,
		hub:       hub,
		redactor:  NewRedactor(),
		maxInline: maxInline,
		logger:    logger,
		metrics:   newEmitterMetrics(),
		now:       time.Now,
		queue:     make(chan EventInput, queueSize),
		workers:   workers,
	}
}

// Emit ingests one event and waits for the event row to become durable.
// The returned error covers only the event row: an overflow artifact
// failure leaves the event with its truncated preview and no overflow link,
// which is logged and counted, never surfaced.
func (e *Emitter) Emit(ctx context.Context, in EventInput) error {
	if e == nil {
		return errors.New("telemetry emitter not initialised")
	}
	event, redacted, err := e.buildEvent(in)
	if err != nil {
		return err
	}
	sized, err := SizePayload(redacted, e.maxInline)
	if err != nil {
		return fmt.Errorf("%w: payload not serializable: %v", ErrInvalidEvent, err)
	}
	event.Payload = sized.Payload

	// The event row always lands (or fails) before the artifact call, so a
	// row can exist without an overflow artifact but never the reverse.
	if err := e.events.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	e.metrics.emitted.Inc()

	if !sized.Inline {
		e.offloadPayload(ctx, event, redacted, sized.SerializedSize)
	}
	e.broadcast(event)
	return nil
}

// EmitAsync enqueues one event for background ingestion. It never blocks
// and never reports failure to the caller; when the queue is full the event
// is dropped and counted.
func (e *Emitter) EmitAsync(in EventInput) {
	if e == nil {
		return
	}
	select {
	case e.queue <- in:
	default:
		e.dropped.Add(1)
		e.metrics.dropped.Inc()
		if e.logger != nil {
			e.logger.Warn("telemetry queue full, event dropped", "shop_id", in.ShopID, "event_type", in.EventType)
		}
	}
}

// Dropped reports how many fire-and-forget events were discarded because
// the queue was full.
func (e *Emitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Run consumes the async queue until the context is cancelled, then drains
// whatever is still buffered. It blocks until all workers exit.
func (e *Emitter) Run(ctx context.Context) {
	if e == nil {
		return
	}
	e.once.Do(func() {
		if e.logger != nil {
			e.logger.Info("telemetry emitter started", "workers", e.workers, "queue_size", cap(e.queue))
		}
	})
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.drainLoop(ctx)
		}()
	}
	wg.Wait()
	if e.logger != nil {
		e.logger.Info("telemetry emitter stopped", "dropped", e.dropped.Load())
	}
}

func (e *Emitter) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case in := <-e.queue:
					e.processAsync(in)
				default:
					return
				}
			}
		case in := <-e.queue:
			if err := e.Emit(ctx, in); err != nil && e.logger != nil {
				e.logger.Warn("async event ingestion failed", "error", err, "shop_id", in.ShopID, "event_type", in.EventType)
			}
		}
	}
}

func (e *Emitter) processAsync(in EventInput) {
	ctx, cancel := context.WithTimeout(context.Background(), flushEventTimeout)
	defer cancel()
	if err := e.Emit(ctx, in); err != nil && e.logger != nil {
		e.logger.Warn("async event ingestion failed", "error", err, "shop_id", in.ShopID, "event_type", in.EventType)
	}
}

func (e *Emitter) buildEvent(in EventInput) (*domain.TelemetryEvent, map[string]any, error) {
	shopID := strings.TrimSpace(in.ShopID)
	requestID := strings.TrimSpace(in.RequestID)
	if shopID == "" || requestID == "" {
		return nil, nil, fmt.Errorf("%w: shop_id and request_id required", ErrInvalidEvent)
	}
	eventType := strings.TrimSpace(in.EventType)
	if eventType == "" {
		return nil, nil, fmt.Errorf("%w: event type required", ErrInvalidEvent)
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = domain.SourceRenderer
	}
	severity := strings.TrimSpace(in.Severity)
	if severity == "" {
		severity = domain.SeverityInfo
	}
	if !domain.ValidSeverity(severity) {
		return nil, nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, severity)
	}
	created := in.OccurredAt
	if created.IsZero() {
		created = e.now().UTC()
	} else {
		created = created.UTC()
	}
	redacted := e.redactor.Redact(in.Payload)
	event := &domain.TelemetryEvent{
		ID:            uuid.NewString(),
		ShopID:        shopID,
		RequestID:     requestID,
		RunID:         strings.TrimSpace(in.RunID),
		VariantID:     strings.TrimSpace(in.VariantID),
		TraceID:       strings.TrimSpace(in.TraceID),
		SpanID:        strings.TrimSpace(in.SpanID),
		ParentSpanID:  strings.TrimSpace(in.ParentSpanID),
		Source:        source,
		EventType:     eventType,
		Severity:      severity,
		SchemaVersion: config.SchemaVersion,
		CreatedAt:     created,
	}
	return event, redacted, nil
}

// offloadPayload stores the full redacted payload as a sensitive-class JSON
// artifact and backfills the event's overflow link. All failures here are
// the documented degraded mode: the preview stays queryable, the full
// payload is lost.
func (e *Emitter) offloadPayload(ctx context.Context, event *domain.TelemetryEvent, redacted map[string]any, serializedSize int) {
	e.metrics.overflow.Inc()
	body, err := json.Marshal(overflowEnvelope{
		EventID:    event.ID,
		ShopID:     event.ShopID,
		RequestID:  event.RequestID,
		RunID:      event.RunID,
		VariantID:  event.VariantID,
		EventType:  event.EventType,
		RecordedAt: event.CreatedAt,
		Payload:    redacted,
	})
	if err != nil {
		e.artifactFailure(event, fmt.Errorf("encode overflow envelope: %w", err))
		return
	}
	stored, err := e.artifacts.Store(ctx, artifact.Input{
		Bytes:          body,
		ContentType:    "application/json",
		ArtifactType:   domain.ArtifactTypeEventPayloadOverflow,
		RetentionClass: domain.RetentionSensitive,
		ShopID:         event.ShopID,
		RequestID:      event.RequestID,
		RunID:          event.RunID,
		VariantID:      event.VariantID,
		Meta: map[string]string{
			"event_id":       event.ID,
			"event_type":     event.EventType,
			"payload_bytes":  fmt.Sprintf("%d", serializedSize),
			"schema_version": fmt.Sprintf("%d", event.SchemaVersion),
		},
	})
	if err != nil {
		e.artifactFailure(event, err)
		return
	}
	if err := e.events.SetEventOverflowArtifact(ctx, event.ID, stored.ID); err != nil {
		e.artifactFailure(event, fmt.Errorf("link overflow artifact: %w", err))
		return
	}
	event.OverflowArtifactID = stored.ID
}

func (e *Emitter) artifactFailure(event *domain.TelemetryEvent, err error) {
	e.metrics.artifactFailures.Inc()
	if e.logger != nil {
		e.logger.Warn("overflow artifact not stored, full payload lost",
			"error", err, "event_id", event.ID, "shop_id", event.ShopID, "event_type", event.EventType)
	}
}

func (e *Emitter) broadcast(event *domain.TelemetryEvent) {
	if e.hub == nil {
		return
	}
	payload, err := MarshalEvent(event)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("failed to marshal event for broadcast", "error", err)
		}
		return
	}
	e.hub.Broadcast(event.ShopID, payload)
}

// overflowEnvelope wraps the full redacted payload with enough event
// metadata to reattach it to its originating row.
type overflowEnvelope struct {
	EventID    string         `json:"event_id"`
	ShopID     string         `json:"shop_id"`
	RequestID  string         `json:"request_id"`
	RunID      string         `json:"run_id,omitempty"`
	VariantID  string         `json:"variant_id,omitempty"`
	EventType  string         `json:"event_type"`
	RecordedAt time.Time      `json:"recorded_at"`
	Payload    map[string]any `json:"payload"`
}

// MarshalEvent encodes a telemetry event for SSE/WebSocket clients.
func MarshalEvent(event *domain.TelemetryEvent) ([]byte, error) {
	payload := map[string]any{
		"id":             event.ID,
		"shop_id":        event.ShopID,
		"request_id":     event.RequestID,
		"run_id":         event.RunID,
		"variant_id":     event.VariantID,
		"trace_id":       event.TraceID,
		"span_id":        event.SpanID,
		"parent_span_id": event.ParentSpanID,
		"source":         event.Source,
		"event_type":     event.EventType,
		"severity":       event.Severity,
		"schema_version": event.SchemaVersion,
		"payload":        event.Payload,
		"created_at":     event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if event.OverflowArtifactID != "" {
		payload["overflow_artifact_id"] = event.OverflowArtifactID
	}
	return json.Marshal(payload)
}
