package repository

import (
	"context"
	"time"

	"github.com/shoplens/renderscope/internal/domain"
)

// EventRepository persists telemetry events.
type EventRepository interface {
	InsertEvent(ctx context.Context, event *domain.TelemetryEvent) error
	SetEventOverflowArtifact(ctx context.Context, eventID, artifactID string) error
	GetEventByID(ctx context.Context, eventID string) (*domain.TelemetryEvent, error)
	ListEventsByShop(ctx context.Context, shopID, eventType string, limit, offset int) ([]domain.TelemetryEvent, error)
}

// ArtifactRepository persists artifact metadata rows.
type ArtifactRepository interface {
	InsertArtifact(ctx context.Context, artifact *domain.Artifact) error
	GetArtifactByID(ctx context.Context, artifactID string) (*domain.Artifact, error)
	ListExpiredArtifacts(ctx context.Context, before time.Time, limit int) ([]domain.Artifact, error)
}

// RunRepository persists render-run and variant-result rollup rows.
type RunRepository interface {
	InsertRun(ctx context.Context, run *domain.RenderRun) error
	GetRunByID(ctx context.Context, runID string) (*domain.RenderRun, error)
	MarkRunRunning(ctx context.Context, runID string) error
	CompleteRun(ctx context.Context, update domain.RunCompletion) error
	InsertVariantResult(ctx context.Context, result *domain.VariantResult) error
	FinishVariantResult(ctx context.Context, update domain.VariantCompletion) error
	ListVariantResults(ctx context.Context, runID string) ([]domain.VariantResult, error)
}
