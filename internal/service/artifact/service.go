package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/shoplens/renderscope/internal/blob"
	"github.com/shoplens/renderscope/internal/config"
	"github.com/shoplens/renderscope/internal/domain"
	"github.com/shoplens/renderscope/internal/repository"
)

// ErrStorageUnavailable indicates the blob write or the metadata write
// failed. A failed call means no durable artifact exists.
var ErrStorageUnavailable = errors.New("artifact storage unavailable")

// ErrInvalidInput indicates required correlation keys or classes were
// missing or unknown.
var ErrInvalidInput = errors.New("artifact input invalid")

// Input describes one artifact to store.
type Input struct {
	Bytes          []byte
	ContentType    string
	ArtifactType   string
	RetentionClass string
	ShopID         string
	RequestID      string
	RunID          string
	VariantID      string
	Meta           map[string]string
}

// Service stores artifact blobs and their metadata rows.
type Service struct {
	blobs         blob.Store
	artifacts     repository.ArtifactRepository
	retentionDays map[string]int
	logger        *slog.Logger
	now           func() time.Time
}

// New returns an artifact service.
func New(blobs blob.Store, artifacts repository.ArtifactRepository, cfg config.Config, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "artifact_store")
	}
	return &Service{
		blobs:         blobs,
		artifacts:     artifacts,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		now:           time.Now,
	}
}

// Store writes the blob then the metadata row and returns the artifact.
// There is no partial success: a metadata failure triggers best-effort
// cleanup of the already-written blob before the error is returned.
func (s *Service) Store(ctx context.Context, in Input) (*domain.Artifact, error) {
	if s == nil {
		return nil, errors.New("artifact service not initialised")
	}
	in.ShopID = strings.TrimSpace(in.ShopID)
	in.RequestID = strings.TrimSpace(in.RequestID)
	if in.ShopID == "" || in.RequestID == "" {
		return nil, fmt.Errorf("%w: shop_id and request_id required", ErrInvalidInput)
	}
	if len(in.Bytes) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidInput)
	}
	days, ok := s.retentionDays[in.RetentionClass]
	if !ok {
		return nil, fmt.Errorf("%w: unknown retention class %q", ErrInvalidInput, in.RetentionClass)
	}
	if strings.TrimSpace(in.ArtifactType) == "" {
		return nil, fmt.Errorf("%w: artifact type required", ErrInvalidInput)
	}
	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := uuid.NewString()
	key := storageKey(in, id, contentType)
	now := s.now().UTC()
	record := &domain.Artifact{
		ID:             id,
		ShopID:         in.ShopID,
		RequestID:      in.RequestID,
		RunID:          strings.TrimSpace(in.RunID),
		VariantID:      strings.TrimSpace(in.VariantID),
		ArtifactType:   in.ArtifactType,
		StorageKey:     key,
		ContentType:    contentType,
		RetentionClass: in.RetentionClass,
		Meta:           in.Meta,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(days) * 24 * time.Hour),
	}

	if err := s.blobs.Put(ctx, key, contentType, in.Bytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := s.artifacts.InsertArtifact(ctx, record); err != nil {
		if cleanupErr := s.blobs.Delete(ctx, key); cleanupErr != nil && s.logger != nil {
			s.logger.Warn("orphaned blob cleanup failed", "key", key, "error", cleanupErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return record, nil
}

// Get returns artifact metadata by id.
func (s *Service) Get(ctx context.Context, artifactID string) (*domain.Artifact, error) {
	if s == nil {
		return nil, errors.New("artifact service not initialised")
	}
	return s.artifacts.GetArtifactByID(ctx, strings.TrimSpace(artifactID))
}

// ListExpired returns artifacts past their expiry marker for the external
// retention reaper.
func (s *Service) ListExpired(ctx context.Context, limit int) ([]domain.Artifact, error) {
	if s == nil {
		return nil, errors.New("artifact service not initialised")
	}
	return s.artifacts.ListExpiredArtifacts(ctx, s.now().UTC(), limit)
}

func storageKey(in Input, id, contentType string) string {
	var b strings.Builder
	b.WriteString("shops/")
	b.WriteString(in.ShopID)
	b.WriteString("/requests/")
	b.WriteString(in.RequestID)
	if run := strings.TrimSpace(in.RunID); run != "" {
		b.WriteString("/runs/")
		b.WriteString(run)
	}
	if variant := strings.TrimSpace(in.VariantID); variant != "" {
		b.WriteString("/variants/")
		b.WriteString(variant)
	}
	b.WriteString("/")
	b.WriteString(id)
	b.WriteString(extensionFor(contentType))
	return b.String()
}

func extensionFor(contentType string) string {
	switch contentType {
	case "application/json":
		return ".json"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
