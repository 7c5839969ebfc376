package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shoplens/renderscope/internal/domain"
	"github.com/shoplens/renderscope/internal/repository"
)

func TestStartRunCreatesPendingRow(t *testing.T) {
	repo := newStubRunRepo()
	svc := New(repo, nil)
	base := time.Date(2026, time.June, 1, 14, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	run, err := svc.StartRun(context.Background(), StartRunInput{
		RunID:           " run-1 ",
		ShopID:          "shop-1",
		RequestID:       "req-1",
		ModelID:         "img-gen-v3",
		SourceImageHash: "sha256:src",
		FactsHash:       "sha256:facts",
		FactsSnapshot:   []byte(`{"color":"red"}`),
		PromptPackHash:  "sha256:pack",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.ID != "run-1" {
		t.Fatalf("expected run id trimmed, got %q", run.ID)
	}
	if run.Status != domain.RunStatusPending {
		t.Fatalf("expected pending status, got %q", run.Status)
	}
	if run.CreatedAt != base {
		t.Fatalf("expected created_at from clock, got %v", run.CreatedAt)
	}
	stored := repo.run("run-1")
	if stored == nil || stored.ModelID != "img-gen-v3" || stored.FactsHash != "sha256:facts" {
		t.Fatalf("unexpected stored run %+v", stored)
	}
}

func TestStartRunValidation(t *testing.T) {
	svc := New(newStubRunRepo(), nil)
	cases := []StartRunInput{
		{ShopID: "shop", RequestID: "req"},
		{RunID: "run", RequestID: "req"},
		{RunID: "run", ShopID: "shop"},
	}
	for i, in := range cases {
		if _, err := svc.StartRun(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestStartRunDuplicateSurfacesConflict(t *testing.T) {
	repo := newStubRunRepo()
	svc := New(repo, nil)
	in := StartRunInput{RunID: "run-1", ShopID: "shop-1", RequestID: "req-1"}
	if _, err := svc.StartRun(context.Background(), in); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := svc.StartRun(context.Background(), in)
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict for duplicate run id, got %v", err)
	}
}

func TestConcurrentVariantLifecycle(t *testing.T) {
	repo := newStubRunRepo()
	svc := New(repo, nil)
	ctx := context.Background()
	if _, err := svc.StartRun(ctx, StartRunInput{RunID: "run-1", ShopID: "shop-1", RequestID: "req-1"}); err != nil {
		t.Fatalf("start run: %v", err)
	}

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			variantID := fmt.Sprintf("variant-%d", n)
			if err := svc.RecordVariantStart(ctx, VariantStartInput{RunID: "run-1", VariantID: variantID}); err != nil {
				errs <- err
				return
			}
			status := domain.VariantStatusSuccess
			if n == workers-1 {
				status = domain.VariantStatusTimeout
			}
			latency := int64(800 + n)
			if err := svc.RecordVariantResult(ctx, VariantResultInput{
				RunID:     "run-1",
				VariantID: variantID,
				Status:    status,
				LatencyMS: &latency,
			}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker error: %v", err)
	}

	if got := repo.run("run-1").Status; got != domain.RunStatusRunning {
		t.Fatalf("expected run advanced to running, got %q", got)
	}
	variants := repo.variantsFor("run-1")
	if len(variants) != workers {
		t.Fatalf("expected %d variant rows, got %d", workers, len(variants))
	}
	terminal := 0
	for _, v := range variants {
		if domain.TerminalVariantStatus(v.Status) {
			terminal++
		}
		if v.CompletedAt == nil {
			t.Fatalf("expected completed_at set on variant %s", v.VariantID)
		}
	}
	if terminal != workers {
		t.Fatalf("expected every variant terminal, got %d of %d", terminal, workers)
	}

	if err := svc.CompleteRun(ctx, CompleteRunInput{
		RunID:           "run-1",
		Status:          domain.RunStatusPartial,
		SuccessCount:    3,
		TimeoutCount:    1,
		TotalDurationMS: 4200,
	}); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	final := repo.run("run-1")
	if final.Status != domain.RunStatusPartial {
		t.Fatalf("expected partial status, got %q", final.Status)
	}
	if final.SuccessCount != 3 || final.TimeoutCount != 1 || final.FailCount != 0 {
		t.Fatalf("expected caller counts persisted verbatim, got %+v", final)
	}
	if final.TotalDurationMS != 4200 {
		t.Fatalf("expected total duration 4200, got %d", final.TotalDurationMS)
	}
	if final.CompletedAt == nil {
		t.Fatal("expected completed_at set")
	}
}

func TestRecordVariantStartUnknownRunIsNoOp(t *testing.T) {
	repo := newStubRunRepo()
	svc := New(repo, nil)
	err := svc.RecordVariantStart(context.Background(), VariantStartInput{RunID: "missing", VariantID: "variant-1"})
	if err != nil {
		t.Fatalf("expected no-op for unknown run, got %v", err)
	}
	if len(repo.variantsFor("missing")) != 0 {
		t.Fatal("expected no variant row for unknown run")
	}
}

func TestDuplicateVariantStartIsNoOp(t *testing.T) {
	repo := newStubRunRepo()
	svc := New(repo, nil)
	ctx := context.Background()
	if _, err := svc.StartRun(ctx, StartRunInput{RunID: "run-1", ShopID: "shop-1", RequestID: "req-1"}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := svc.RecordVariantStart(ctx, VariantStartInput{RunID: "run-1", VariantID: "variant-1"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := svc.RecordVariantStart(ctx, VariantStartInput{RunID: "run-1", VariantID: "variant-1"}); err != nil {
		t.Fatalf("expected duplicate start to be a no-op, got %v", err)
	}
	if got := len(repo.variantsFor("run-1")); got != 1 {
		t.Fatalf("expected a single variant row, got %d", got)
	}
}

func TestDuplicateVariantResultKeepsFirstWrite(t *testing.T) {
	repo := newStubRunRepo()
	svc := New(repo, nil)
	ctx := context.Background()
	if _, err := svc.StartRun(ctx, StartRunInput{RunID: "run-1", ShopID: "shop-1", RequestID: "req-1"}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := svc.RecordVariantStart(ctx, VariantStartInput{RunID: "run-1", VariantID: "variant-1"}); err != nil {
		t.Fatalf("variant start: %v", err)
	}
	if err := svc.RecordVariantResult(ctx, VariantResultInput{
		RunID: "run-1", VariantID: "variant-1", Status: domain.VariantStatusSuccess,
	}); err != nil {
		t.Fatalf("first result: %v", err)
	}
	if err := svc.RecordVariantResult(ctx, VariantResultInput{
		RunID: "run-1", VariantID: "variant-1", Status: domain.VariantStatusFailed,
		ErrorCode: "late_write",
	}); err != nil {
		t.Fatalf("expected duplicate result to be a no-op, got %v", err)
	}
	variants := repo.variantsFor("run-1")
	if len(variants) != 1 {
		t.Fatalf("expected one variant row, got %d", len(variants))
	}
	if variants[0].Status != domain.VariantStatusSuccess {
		t.Fatalf("expected first terminal write preserved, got %q", variants[0].Status)
	}
	if variants[0].ErrorCode != "" {
		t.Fatalf("expected late error code discarded, got %q", variants[0].ErrorCode)
	}
}

func TestRecordVariantResultRequiresTerminalStatus(t *testing.T) {
	svc := New(newStubRunRepo(), nil)
	err := svc.RecordVariantResult(context.Background(), VariantResultInput{
		RunID: "run-1", VariantID: "variant-1", Status: domain.VariantStatusStarted,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for non-terminal status, got %v", err)
	}
}

func TestCompleteRunAlreadyTerminalIsNoOp(t *testing.T) {
	repo := newStubRunRepo()
	svc := New(repo, nil)
	ctx := context.Background()
	if _, err := svc.StartRun(ctx, StartRunInput{RunID: "run-1", ShopID: "shop-1", RequestID: "req-1"}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	first := CompleteRunInput{RunID: "run-1", Status: domain.RunStatusComplete, SuccessCount: 4}
	if err := svc.CompleteRun(ctx, first); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	second := CompleteRunInput{RunID: "run-1", Status: domain.RunStatusFailed, FailCount: 4}
	if err := svc.CompleteRun(ctx, second); err != nil {
		t.Fatalf("expected second complete to be a no-op, got %v", err)
	}
	final := repo.run("run-1")
	if final.Status != domain.RunStatusComplete || final.SuccessCount != 4 || final.FailCount != 0 {
		t.Fatalf("expected first terminal write preserved, got %+v", final)
	}
}

func TestCompleteRunValidation(t *testing.T) {
	svc := New(newStubRunRepo(), nil)
	cases := []CompleteRunInput{
		{Status: domain.RunStatusComplete},
		{RunID: "run-1", Status: domain.RunStatusRunning},
		{RunID: "run-1", Status: domain.RunStatusComplete, SuccessCount: -1},
		{RunID: "run-1", Status: domain.RunStatusComplete, TotalDurationMS: -5},
	}
	for i, in := range cases {
		if err := svc.CompleteRun(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestGetRunReturnsVariants(t *testing.T) {
	repo := newStubRunRepo()
	svc := New(repo, nil)
	ctx := context.Background()
	if _, err := svc.StartRun(ctx, StartRunInput{RunID: "run-1", ShopID: "shop-1", RequestID: "req-1"}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := svc.RecordVariantStart(ctx, VariantStartInput{RunID: "run-1", VariantID: "variant-1"}); err != nil {
		t.Fatalf("variant start: %v", err)
	}
	run, variants, err := svc.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.ID != "run-1" || len(variants) != 1 {
		t.Fatalf("unexpected result run=%+v variants=%d", run, len(variants))
	}

	if _, _, err := svc.GetRun(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// stubRunRepo mirrors the conditional-write semantics of the postgres
// repository: duplicate inserts conflict, terminal writes only match rows
// still in their pre-terminal state.
type stubRunRepo struct {
	mu       sync.Mutex
	runs     map[string]*domain.RenderRun
	variants map[string]*domain.VariantResult
}

func newStubRunRepo() *stubRunRepo {
	return &stubRunRepo{
		runs:     make(map[string]*domain.RenderRun),
		variants: make(map[string]*domain.VariantResult),
	}
}

func variantKey(runID, variantID string) string {
	return runID + "|" + variantID
}

func (r *stubRunRepo) InsertRun(_ context.Context, run *domain.RenderRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return repository.ErrConflict
	}
	copied := *run
	r.runs[run.ID] = &copied
	return nil
}

func (r *stubRunRepo) GetRunByID(_ context.Context, runID string) (*domain.RenderRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (r *stubRunRepo) MarkRunRunning(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return repository.ErrNotFound
	}
	if run.Status == domain.RunStatusPending {
		run.Status = domain.RunStatusRunning
	}
	return nil
}

func (r *stubRunRepo) CompleteRun(_ context.Context, update domain.RunCompletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[update.RunID]
	if !ok || domain.TerminalRunStatus(run.Status) {
		return repository.ErrStaleState
	}
	run.Status = update.Status
	run.SuccessCount = update.SuccessCount
	run.FailCount = update.FailCount
	run.TimeoutCount = update.TimeoutCount
	run.TotalDurationMS = update.TotalDurationMS
	completed := update.CompletedAt
	run.CompletedAt = &completed
	return nil
}

func (r *stubRunRepo) InsertVariantResult(_ context.Context, result *domain.VariantResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := variantKey(result.RunID, result.VariantID)
	if _, ok := r.variants[key]; ok {
		return repository.ErrConflict
	}
	copied := *result
	r.variants[key] = &copied
	return nil
}

func (r *stubRunRepo) FinishVariantResult(_ context.Context, update domain.VariantCompletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.variants[variantKey(update.RunID, update.VariantID)]
	if !ok || row.Status != domain.VariantStatusStarted {
		return repository.ErrStaleState
	}
	row.Status = update.Status
	completed := update.CompletedAt
	row.CompletedAt = &completed
	row.LatencyMS = update.LatencyMS
	row.ProviderMS = update.ProviderMS
	row.UploadMS = update.UploadMS
	row.OutputImageKey = update.OutputImageKey
	row.OutputImageHash = update.OutputImageHash
	row.OutputArtifactID = update.OutputArtifactID
	row.ErrorCode = update.ErrorCode
	row.ErrorMessage = update.ErrorMessage
	return nil
}

func (r *stubRunRepo) ListVariantResults(_ context.Context, runID string) ([]domain.VariantResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]domain.VariantResult, 0)
	for _, v := range r.variants {
		if v.RunID == runID {
			result = append(result, *v)
		}
	}
	return result, nil
}

func (r *stubRunRepo) run(runID string) *domain.RenderRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil
	}
	copied := *run
	return &copied
}

func (r *stubRunRepo) variantsFor(runID string) []domain.VariantResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]domain.VariantResult, 0)
	for _, v := range r.variants {
		if v.RunID == runID {
			result = append(result, *v)
		}
	}
	return result
}
