package rollup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/shoplens/renderscope/internal/domain"
	"github.com/shoplens/renderscope/internal/repository"
)

// ErrInvalidInput indicates missing identifiers or an illegal status value.
var ErrInvalidInput = errors.New("rollup input invalid")

// StartRunInput carries the immutable descriptors captured when a render
// run begins.
type StartRunInput struct {
	RunID           string
	ShopID          string
	RequestID       string
	ModelID         string
	SourceImageHash string
	TargetImageHash string
	FactsHash       string
	FactsSnapshot   []byte
	PromptPackHash  string
	PromptPack      []byte
}

// VariantStartInput records one variant worker beginning its render.
type VariantStartInput struct {
	RunID      string
	VariantID  string
	PromptHash string
	StartedAt  time.Time
}

// VariantResultInput records one variant worker's terminal outcome.
type VariantResultInput struct {
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

// CompleteRunInput carries the caller-computed final state for a run. The
// caller already waited for every variant, so it is the source of truth for
// the counts and for when completion happens.
type CompleteRunInput struct {
	RunID           string
	Status          string
	SuccessCount    int
	FailCount       int
	TimeoutCount    int
	TotalDurationMS int64
}

// Service maintains RenderRun and VariantResult rollup rows across the four
// lifecycle checkpoints of a render run. Variant calls from concurrent
// workers only ever touch their own (run, variant) row; the run row itself
// is written exactly twice, both times by the single orchestrating caller.
type Service struct {
	runs   repository.RunRepository
	logger *slog.Logger
	now    func() time.Time
}

// New returns a rollup service.
func New(runs repository.RunRepository, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "rollup")
	}
	return &Service{
		runs:   runs,
		logger: logger,
		now:    time.Now,
	}
}

// StartRun creates the run row in pending state. Run identifiers are
// caller-generated and assumed unique; a duplicate id is a caller bug and
// surfaces as an error rather than being deduplicated here.
func (s *Service) StartRun(ctx context.Context, in StartRunInput) (*domain.RenderRun, error) {
	if s == nil {
		return nil, errors.New("rollup service not initialised")
	}
	in.RunID = strings.TrimSpace(in.RunID)
	in.ShopID = strings.TrimSpace(in.ShopID)
	in.RequestID = strings.TrimSpace(in.RequestID)
	if in.RunID == "" || in.ShopID == "" || in.RequestID == "" {
		return nil, fmt.Errorf("%w: run_id, shop_id and request_id required", ErrInvalidInput)
	}
	run := &domain.RenderRun{
		ID:              in.RunID,
		ShopID:          in.ShopID,
		RequestID:       in.RequestID,
		ModelID:         strings.TrimSpace(in.ModelID),
		SourceImageHash: strings.TrimSpace(in.SourceImageHash),
		TargetImageHash: strings.TrimSpace(in.TargetImageHash),
		FactsHash:       strings.TrimSpace(in.FactsHash),
		FactsSnapshot:   in.FactsSnapshot,
		PromptPackHash:  strings.TrimSpace(in.PromptPackHash),
		PromptPack:      in.PromptPack,
		Status:          domain.RunStatusPending,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.runs.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// RecordVariantStart creates the (run, variant) row in started state and
// implicitly advances a pending run to running. A missing run, or a
// duplicate start for the same variant, is a logged no-op: this path must
// never fail the render pipeline it observes.
func (s *Service) RecordVariantStart(ctx context.Context, in VariantStartInput) error {
	if s == nil {
		return errors.New("rollup service not initialised")
	}
	in.RunID = strings.TrimSpace(in.RunID)
	in.VariantID = strings.TrimSpace(in.VariantID)
	if in.RunID == "" || in.VariantID == "" {
		return fmt.Errorf("%w: run_id and variant_id required", ErrInvalidInput)
	}
	if err := s.runs.MarkRunRunning(ctx, in.RunID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logSkip("variant start for unknown run", in.RunID, in.VariantID)
			return nil
		}
		return fmt.Errorf("mark run running: %w", err)
	}
	started := in.StartedAt
	if started.IsZero() {
		started = s.now().UTC()
	} else {
		started = started.UTC()
	}
	result := &domain.VariantResult{
		ID:         uuid.NewString(),
		RunID:      in.RunID,
		VariantID:  in.VariantID,
		Status:     domain.VariantStatusStarted,
		PromptHash: strings.TrimSpace(in.PromptHash),
		StartedAt:  started,
	}
	if err := s.runs.InsertVariantResult(ctx, result); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.logSkip("duplicate variant start", in.RunID, in.VariantID)
			return nil
		}
		return fmt.Errorf("insert variant result: %w", err)
	}
	return nil
}

// RecordVariantResult transitions the (run, variant) row to a terminal
// state exactly once. A second terminal write for the same pair, or a write
// for a row that was never started, is a logged no-op, never an overwrite.
func (s *Service) RecordVariantResult(ctx context.Context, in VariantResultInput) error {
	if s == nil {
		return errors.New("rollup service not initialised")
	}
	in.RunID = strings.TrimSpace(in.RunID)
	in.VariantID = strings.TrimSpace(in.VariantID)
	if in.RunID == "" || in.VariantID == "" {
		return fmt.Errorf("%w: run_id and variant_id required", ErrInvalidInput)
	}
	if !domain.TerminalVariantStatus(in.Status) {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidInput, in.Status)
	}
	completed := in.CompletedAt
	if completed.IsZero() {
		completed = s.now().UTC()
	} else {
		completed = completed.UTC()
	}
	update := domain.VariantCompletion{
		RunID:            in.RunID,
		VariantID:        in.VariantID,
		Status:           in.Status,
		CompletedAt:      completed,
		LatencyMS:        in.LatencyMS,
		ProviderMS:       in.ProviderMS,
		UploadMS:         in.UploadMS,
		OutputImageKey:   strings.TrimSpace(in.OutputImageKey),
		OutputImageHash:  strings.TrimSpace(in.OutputImageHash),
		OutputArtifactID: strings.TrimSpace(in.OutputArtifactID),
		ErrorCode:        strings.TrimSpace(in.ErrorCode),
		ErrorMessage:     strings.TrimSpace(in.ErrorMessage),
	}
	if err := s.runs.FinishVariantResult(ctx, update); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			s.logSkip("duplicate or unmatched variant result", in.RunID, in.VariantID)
			return nil
		}
		return fmt.Errorf("finish variant result: %w", err)
	}
	return nil
}

// CompleteRun persists the caller-supplied final status and counts exactly
// as given and marks the run terminal. Counts are never recomputed from
// child rows here. Completing an already-terminal run is a logged no-op.
func (s *Service) CompleteRun(ctx context.Context, in CompleteRunInput) error {
	if s == nil {
		return errors.New("rollup service not initialised")
	}
	in.RunID = strings.TrimSpace(in.RunID)
	if in.RunID == "" {
		return fmt.Errorf("%w: run_id required", ErrInvalidInput)
	}
	if !domain.TerminalRunStatus(in.Status) {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidInput, in.Status)
	}
	if in.SuccessCount < 0 || in.FailCount < 0 || in.TimeoutCount < 0 || in.TotalDurationMS < 0 {
		return fmt.Errorf("%w: negative counts", ErrInvalidInput)
	}
	update := domain.RunCompletion{
		RunID:           in.RunID,
		Status:          in.Status,
		SuccessCount:    in.SuccessCount,
		FailCount:       in.FailCount,
		TimeoutCount:    in.TimeoutCount,
		TotalDurationMS: in.TotalDurationMS,
		CompletedAt:     s.now().UTC(),
	}
	if err := s.runs.CompleteRun(ctx, update); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			if s.logger != nil {
				s.logger.Warn("complete called for missing or already-terminal run", "run_id", in.RunID)
			}
			return nil
		}
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// GetRun returns the run row and its variant rows.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.RenderRun, []domain.VariantResult, error) {
	if s == nil {
		return nil, nil, errors.New("rollup service not initialised")
	}
	run, err := s.runs.GetRunByID(ctx, strings.TrimSpace(runID))
	if err != nil {
		return nil, nil, err
	}
	variants, err := s.runs.ListVariantResults(ctx, run.ID)
	if err != nil {
		return nil, nil, err
	}
	return run, variants, nil
}

func (s *Service) logSkip(msg, runID, variantID string) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, "run_id", runID, "variant_id", variantID)
}
