package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shoplens/renderscope/internal/domain"
	"github.com/shoplens/renderscope/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.EventRepository    = (*Repository)(nil)
	_ repository.ArtifactRepository = (*Repository)(nil)
	_ repository.RunRepository      = (*Repository)(nil)
)

// InsertEvent persists a telemetry event row.
func (r *Repository) InsertEvent(ctx context.Context, event *domain.TelemetryEvent) error {
	if event == nil {
		return fmt.Errorf("telemetry event required")
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	const query = `INSERT INTO events (
		id,
		shop_id,
		request_id,
		run_id,
		variant_id,
		trace_id,
		span_id,
		parent_span_id,
		source,
		event_type,
		severity,
		schema_version,
		payload,
		overflow_artifact_id,
		created_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,COALESCE($15, NOW())
	) RETURNING created_at`
	var created time.Time
	err = r.pool.QueryRow(ctx, query,
		event.ID,
		event.ShopID,
		event.RequestID,
		nilIfEmpty(event.RunID),
		nilIfEmpty(event.VariantID),
		nilIfEmpty(event.TraceID),
		nilIfEmpty(event.SpanID),
		nilIfEmpty(event.ParentSpanID),
		event.Source,
		event.EventType,
		event.Severity,
		event.SchemaVersion,
		payload,
		nilIfEmpty(event.OverflowArtifactID),
		nilTime(event.CreatedAt),
	).Scan(&created)
	if err != nil {
		return mapPgError(err)
	}
	event.CreatedAt = created
	return nil
}

// SetEventOverflowArtifact backfills the overflow artifact reference on a
// single event row. This is the only mutation events ever receive.
func (r *Repository) SetEventOverflowArtifact(ctx context.Context, eventID, artifactID string) error {
	const query = `UPDATE events SET overflow_artifact_id = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, eventID, artifactID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetEventByID fetches one telemetry event.
func (r *Repository) GetEventByID(ctx context.Context, eventID string) (*domain.TelemetryEvent, error) {
	const query = `SELECT id, shop_id, request_id, run_id, variant_id, trace_id, span_id, parent_span_id,
		source, event_type, severity, schema_version, payload, overflow_artifact_id, created_at
	FROM events WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, eventID)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return event, nil
}

// ListEventsByShop returns recent events for a shop, optionally filtered by type.
func (r *Repository) ListEventsByShop(ctx context.Context, shopID, eventType string, limit, offset int) ([]domain.TelemetryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, shop_id, request_id, run_id, variant_id, trace_id, span_id, parent_span_id,
		source, event_type, severity, schema_version, payload, overflow_artifact_id, created_at
	FROM events WHERE shop_id = $1`
	args := []any{shopID}
	if strings.TrimSpace(eventType) != "" {
		query += ` AND event_type = $2`
		args = append(args, strings.TrimSpace(eventType))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := make([]domain.TelemetryEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.TelemetryEvent, error) {
	var (
		e        domain.TelemetryEvent
		runID    *string
		variant  *string
		traceID  *string
		spanID   *string
		parentID *string
		artifact *string
		payload  []byte
	)
	if err := row.Scan(&e.ID, &e.ShopID, &e.RequestID, &runID, &variant, &traceID, &spanID, &parentID,
		&e.Source, &e.EventType, &e.Severity, &e.SchemaVersion, &payload, &artifact, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.RunID = derefString(runID)
	e.VariantID = derefString(variant)
	e.TraceID = derefString(traceID)
	e.SpanID = derefString(spanID)
	e.ParentSpanID = derefString(parentID)
	e.OverflowArtifactID = derefString(artifact)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	}
	return &e, nil
}

// InsertArtifact persists an artifact metadata row.
func (r *Repository) InsertArtifact(ctx context.Context, artifact *domain.Artifact) error {
	if artifact == nil {
		return fmt.Errorf("artifact required")
	}
	meta, err := json.Marshal(artifact.Meta)
	if err != nil {
		return fmt.Errorf("encode artifact meta: %w", err)
	}
	const query = `INSERT INTO artifacts (
		id,
		shop_id,
		request_id,
		run_id,
		variant_id,
		artifact_type,
		storage_key,
		content_type,
		retention_class,
		meta,
		created_at,
		expires_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,COALESCE($11, NOW()),$12
	) RETURNING created_at`
	var created time.Time
	err = r.pool.QueryRow(ctx, query,
		artifact.ID,
		artifact.ShopID,
		artifact.RequestID,
		nilIfEmpty(artifact.RunID),
		nilIfEmpty(artifact.VariantID),
		artifact.ArtifactType,
		artifact.StorageKey,
		artifact.ContentType,
		artifact.RetentionClass,
		meta,
		nilTime(artifact.CreatedAt),
		artifact.ExpiresAt,
	).Scan(&created)
	if err != nil {
		return mapPgError(err)
	}
	artifact.CreatedAt = created
	return nil
}

// GetArtifactByID fetches one artifact metadata row.
func (r *Repository) GetArtifactByID(ctx context.Context, artifactID string) (*domain.Artifact, error) {
	const query = `SELECT id, shop_id, request_id, run_id, variant_id, artifact_type, storage_key,
		content_type, retention_class, meta, created_at, expires_at
	FROM artifacts WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, artifactID)
	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return artifact, nil
}

// ListExpiredArtifacts returns artifacts whose expiry marker has passed.
// Deletion itself belongs to the external retention reaper.
func (r *Repository) ListExpiredArtifacts(ctx context.Context, before time.Time, limit int) ([]domain.Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, shop_id, request_id, run_id, variant_id, artifact_type, storage_key,
		content_type, retention_class, meta, created_at, expires_at
	FROM artifacts WHERE expires_at < $1 ORDER BY expires_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	artifacts := make([]domain.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *artifact)
	}
	return artifacts, rows.Err()
}

func scanArtifact(row rowScanner) (*domain.Artifact, error) {
	var (
		a       domain.Artifact
		runID   *string
		variant *string
		meta    []byte
	)
	if err := row.Scan(&a.ID, &a.ShopID, &a.RequestID, &runID, &variant, &a.ArtifactType, &a.StorageKey,
		&a.ContentType, &a.RetentionClass, &meta, &a.CreatedAt, &a.ExpiresAt); err != nil {
		return nil, err
	}
	a.RunID = derefString(runID)
	a.VariantID = derefString(variant)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Meta); err != nil {
			return nil, fmt.Errorf("decode artifact meta: %w", err)
		}
	}
	return &a, nil
}

// InsertRun creates the render-run row in its initial state.
func (r *Repository) InsertRun(ctx context.Context, run *domain.RenderRun) error {
	if run == nil {
		return fmt.Errorf("render run required")
	}
	const query = `INSERT INTO render_runs (
		id,
		shop_id,
		request_id,
		model_id,
		source_image_hash,
		target_image_hash,
		facts_hash,
		facts_snapshot,
		prompt_pack_hash,
		prompt_pack,
		status,
		success_count,
		fail_count,
		timeout_count,
		total_duration_ms,
		created_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,0,0,0,COALESCE($12, NOW())
	) RETURNING created_at`
	var created time.Time
	err := r.pool.QueryRow(ctx, query,
		run.ID,
		run.ShopID,
		run.RequestID,
		nilIfEmpty(run.ModelID),
		nilIfEmpty(run.SourceImageHash),
		nilIfEmpty(run.TargetImageHash),
		nilIfEmpty(run.FactsHash),
		bytesToNil(run.FactsSnapshot),
		nilIfEmpty(run.PromptPackHash),
		bytesToNil(run.PromptPack),
		run.Status,
		nilTime(run.CreatedAt),
	).Scan(&created)
	if err != nil {
		return mapPgError(err)
	}
	run.CreatedAt = created
	return nil
}

// GetRunByID fetches a render run.
func (r *Repository) GetRunByID(ctx context.Context, runID string) (*domain.RenderRun, error) {
	const query = `SELECT id, shop_id, request_id, model_id, source_image_hash, target_image_hash,
		facts_hash, facts_snapshot, prompt_pack_hash, prompt_pack, status,
		success_count, fail_count, timeout_count, total_duration_ms, created_at, completed_at
	FROM render_runs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, runID)
	var (
		run       domain.RenderRun
		modelID   *string
		srcHash   *string
		dstHash   *string
		factsHash *string
		packHash  *string
	)
	if err := row.Scan(&run.ID, &run.ShopID, &run.RequestID, &modelID, &srcHash, &dstHash,
		&factsHash, &run.FactsSnapshot, &packHash, &run.PromptPack, &run.Status,
		&run.SuccessCount, &run.FailCount, &run.TimeoutCount, &run.TotalDurationMS,
		&run.CreatedAt, &run.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	run.ModelID = derefString(modelID)
	run.SourceImageHash = derefString(srcHash)
	run.TargetImageHash = derefString(dstHash)
	run.FactsHash = derefString(factsHash)
	run.PromptPackHash = derefString(packHash)
	return &run, nil
}

// MarkRunRunning advances a pending run to running. A run already past
// pending is left untouched; a missing run reports ErrNotFound.
func (r *Repository) MarkRunRunning(ctx context.Context, runID string) error {
	const query = `UPDATE render_runs SET status = $2 WHERE id = $1 AND status = $3`
	tag, err := r.pool.Exec(ctx, query, runID, domain.RunStatusRunning, domain.RunStatusPending)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := r.runExists(ctx, runID)
		if err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
	}
	return nil
}

// CompleteRun applies the single terminal write to a render run. The status
// guard keeps terminal statuses absorbing.
func (r *Repository) CompleteRun(ctx context.Context, update domain.RunCompletion) error {
	const query = `UPDATE render_runs SET
		status = $2,
		success_count = $3,
		fail_count = $4,
		timeout_count = $5,
		total_duration_ms = $6,
		completed_at = $7
	WHERE id = $1 AND status IN ($8, $9)`
	tag, err := r.pool.Exec(ctx, query,
		update.RunID,
		update.Status,
		update.SuccessCount,
		update.FailCount,
		update.TimeoutCount,
		update.TotalDurationMS,
		update.CompletedAt,
		domain.RunStatusPending,
		domain.RunStatusRunning,
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrStaleState
	}
	return nil
}

// InsertVariantResult creates the (run, variant) row in started state.
func (r *Repository) InsertVariantResult(ctx context.Context, result *domain.VariantResult) error {
	if result == nil {
		return fmt.Errorf("variant result required")
	}
	const query = `INSERT INTO variant_results (
		id,
		run_id,
		variant_id,
		status,
		prompt_hash,
		started_at
	) VALUES (
		$1,$2,$3,$4,$5,COALESCE($6, NOW())
	) RETURNING started_at`
	var started time.Time
	err := r.pool.QueryRow(ctx, query,
		result.ID,
		result.RunID,
		result.VariantID,
		result.Status,
		nilIfEmpty(result.PromptHash),
		nilTime(result.StartedAt),
	).Scan(&started)
	if err != nil {
		return mapPgError(err)
	}
	result.StartedAt = started
	return nil
}

// FinishVariantResult applies the single terminal write to a variant row.
// The started-status guard makes a duplicate terminal write match zero rows,
// reported as ErrStaleState rather than performed as an overwrite.
func (r *Repository) FinishVariantResult(ctx context.Context, update domain.VariantCompletion) error {
	const query = `UPDATE variant_results SET
		status = $3,
		completed_at = $4,
		latency_ms = $5,
		provider_ms = $6,
		upload_ms = $7,
		output_image_key = $8,
		output_image_hash = $9,
		output_artifact_id = $10,
		error_code = $11,
		error_message = $12
	WHERE run_id = $1 AND variant_id = $2 AND status = $13`
	tag, err := r.pool.Exec(ctx, query,
		update.RunID,
		update.VariantID,
		update.Status,
		update.CompletedAt,
		update.LatencyMS,
		update.ProviderMS,
		update.UploadMS,
		nilIfEmpty(update.OutputImageKey),
		nilIfEmpty(update.OutputImageHash),
		nilIfEmpty(update.OutputArtifactID),
		nilIfEmpty(update.ErrorCode),
		nilIfEmpty(update.ErrorMessage),
		domain.VariantStatusStarted,
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrStaleState
	}
	return nil
}

// ListVariantResults returns all variant rows for a run.
func (r *Repository) ListVariantResults(ctx context.Context, runID string) ([]domain.VariantResult, error) {
	const query = `SELECT id, run_id, variant_id, status, prompt_hash, started_at, completed_at,
		latency_ms, provider_ms, upload_ms, output_image_key, output_image_hash,
		output_artifact_id, error_code, error_message
	FROM variant_results WHERE run_id = $1 ORDER BY started_at ASC`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := make([]domain.VariantResult, 0)
	for rows.Next() {
		var (
			v          domain.VariantResult
			promptHash *string
			imageKey   *string
			imageHash  *string
			artifactID *string
			errCode    *string
			errMsg     *string
		)
		if err := rows.Scan(&v.ID, &v.RunID, &v.VariantID, &v.Status, &promptHash, &v.StartedAt, &v.CompletedAt,
			&v.LatencyMS, &v.ProviderMS, &v.UploadMS, &imageKey, &imageHash,
			&artifactID, &errCode, &errMsg); err != nil {
			return nil, err
		}
		v.PromptHash = derefString(promptHash)
		v.OutputImageKey = derefString(imageKey)
		v.OutputImageHash = derefString(imageHash)
		v.OutputArtifactID = derefString(artifactID)
		v.ErrorCode = derefString(errCode)
		v.ErrorMessage = derefString(errMsg)
		results = append(results, v)
	}
	return results, rows.Err()
}

func (r *Repository) runExists(ctx context.Context, runID string) (bool, error) {
	const query = `SELECT 1 FROM render_runs WHERE id = $1`
	var one int
	if err := r.pool.QueryRow(ctx, query, runID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505":
			return repository.ErrConflict
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
