package domain

import "time"

// RenderRun statuses. Transitions only move forward: pending → running
// (implicit on first variant start) → one of the terminal statuses, set by
// run completion.
const (
	RunStatusPending  = "pending"
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusPartial  = "partial"
	RunStatusFailed   = "failed"
)

// VariantResult statuses. Terminal statuses are absorbing.
const (
	VariantStatusStarted = "started"
	VariantStatusSuccess = "success"
	VariantStatusFailed  = "failed"
	VariantStatusTimeout = "timeout"
)

// TerminalRunStatus reports whether s ends a run's lifecycle.
func TerminalRunStatus(s string) bool {
	return s == RunStatusComplete || s == RunStatusPartial || s == RunStatusFailed
}

// TerminalVariantStatus reports whether s ends a variant's lifecycle.
func TerminalVariantStatus(s string) bool {
	return s == VariantStatusSuccess || s == VariantStatusFailed || s == VariantStatusTimeout
}

// RenderRun is the per-run rollup row. The row is written exactly twice:
// once at start and once at completion. Counters are supplied by the caller
// at completion, never incremented in place.
type RenderRun struct {
	ID              string
	ShopID          string
	RequestID       string
	ModelID         string
	SourceImageHash string
	TargetImageHash string
	FactsHash       string
	FactsSnapshot   []byte
	PromptPackHash  string
	PromptPack      []byte
	Status          string
	SuccessCount    int
	FailCount       int
	TimeoutCount    int
	TotalDurationMS int64
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// RunCompletion captures the single terminal write applied to a RenderRun.
// Counts are supplied by the orchestrating caller, which is the source of
// truth for when completion happens.
type RunCompletion struct {
	RunID           string
	Status          string
	SuccessCount    int
	FailCount       int
	TimeoutCount    int
	TotalDurationMS int64
	CompletedAt     time.Time
}

// VariantCompletion captures the single terminal write applied to a
// VariantResult row.
type VariantCompletion struct {
	RunID            string
	VariantID        string
	Status           string
	CompletedAt      time.Time
	LatencyMS        *int64
	ProviderMS       *int64
	UploadMS         *int64
	OutputImageKey   string
	OutputImageHash  string
	OutputArtifactID string
	ErrorCode        string
	ErrorMessage     string
}

// VariantResult is the per-(run, variant) rollup row. Each render worker
// writes only its own row, so rows never contend.
type VariantResult struct {
	ID               string
	RunID            string
	VariantID        string
	Status           string
	PromptHash       string
	StartedAt        time.Time
	CompletedAt      *time.Time
	LatencyMS        *int64
	ProviderMS       *int64
	UploadMS         *int64
	OutputImageKey   string
	OutputImageHash  string
	OutputArtifactID string
	ErrorCode        string
	ErrorMessage     string
}
