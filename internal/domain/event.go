package domain

import "time"

// Event sources form a closed set identifying which pipeline stage emitted
// a telemetry event.
const (
	SourceStorefront       = "storefront"
	SourceEdgeProxy        = "edge-proxy"
	SourcePreparationStage = "preparation-stage"
	SourcePromptBuilder    = "prompt-builder"
	SourceRenderer         = "renderer"
	SourceExternalProvider = "external-provider"
	SourceStorage          = "storage"
)

// Severity levels for telemetry events.
const (
	SeverityDebug = "debug"
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Well-known event types. The type field is an open string; these are the
// recommended values emitted by the render pipeline.
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeVariantStarted   = "variant.started"
	EventTypeVariantCompleted = "variant.completed"
	EventTypeProviderCall     = "provider.call"
	EventTypeUploadCompleted  = "upload.completed"
	EventTypePromptResolved   = "prompt.resolved"
)

// ValidSource reports whether s belongs to the closed source set.
func ValidSource(s string) bool {
	switch s {
	case SourceStorefront, SourceEdgeProxy, SourcePreparationStage,
		SourcePromptBuilder, SourceRenderer, SourceExternalProvider, SourceStorage:
		return true
	}
	return false
}

// ValidSeverity reports whether s is a recognised severity level.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError:
		return true
	}
	return false
}

// TelemetryEvent is one durable telemetry row. Rows are immutable once
// written, except for the single overflow-artifact backfill performed after
// an oversized payload has been offloaded.
type TelemetryEvent struct {
	ID                 string
	ShopID             string
	RequestID          string
	RunID              string
	VariantID          string
	TraceID            string
	SpanID             string
	ParentSpanID       string
	Source             string
	EventType          string
	Severity           string
	SchemaVersion      int
	Payload            map[string]any
	OverflowArtifactID string
	CreatedAt          time.Time
}
