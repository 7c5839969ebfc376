package domain

import "time"

// Retention classes bucket artifacts by how long they are kept before the
// external reaper may delete them.
const (
	RetentionShort     = "short"
	RetentionStandard  = "standard"
	RetentionLong      = "long"
	RetentionSensitive = "sensitive"
)

// Artifact type recorded for oversized telemetry payloads offloaded to
// object storage.
const ArtifactTypeEventPayloadOverflow = "event-payload-overflow"

// Artifact is the metadata row for a durable blob held in object storage.
// Rows are written once and never mutated.
type Artifact struct {
	ID             string
	ShopID         string
	RequestID      string
	RunID          string
	VariantID      string
	ArtifactType   string
	StorageKey     string
	ContentType    string
	RetentionClass string
	Meta           map[string]string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}
