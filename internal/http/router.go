package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shoplens/renderscope/internal/domain"
	"github.com/shoplens/renderscope/internal/repository"
	"github.com/shoplens/renderscope/internal/service/artifact"
	"github.com/shoplens/renderscope/internal/service/rollup"
	"github.com/shoplens/renderscope/internal/service/telemetry"
	"github.com/shoplens/renderscope/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	emitter       *telemetry.Emitter
	rollups       *rollup.Service
	artifacts     *artifact.Service
	events        repository.EventRepository
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	pipelineToken string
	dbHealth      func(context.Context) error
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitIngest    = 1200
	rateLimitRead      = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, emitter *telemetry.Emitter, rollups *rollup.Service, artifacts *artifact.Service, events repository.EventRepository, hub *ws.Hub, limiter RateLimiter, pipelineToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		emitter:   emitter,
		rollups:   rollups,
		artifacts: artifacts,
		events:    events,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		pipelineToken: strings.TrimSpace(pipelineToken),
		dbHealth:      dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/events", r.audit(r.handleEvents))
	r.mux.HandleFunc("/events/async", r.audit(r.handleEventsAsync))
	r.mux.HandleFunc("/runs", r.audit(r.handleRuns))
	r.mux.HandleFunc("/runs/", r.audit(r.handleRunSubroutes))
	r.mux.HandleFunc("/artifacts/", r.audit(r.handleArtifacts))
	r.mux.HandleFunc("/ws/events", r.audit(r.withRateLimit("/ws/events", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleEventsWS)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type eventPayload struct {
	ShopID       string         `json:"shop_id"`
	RequestID    string         `json:"request_id"`
	RunID        string         `json:"run_id"`
	VariantID    string         `json:"variant_id"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id"`
	Source       string         `json:"source"`
	EventType    string         `json:"event_type"`
	Severity     string         `json:"severity"`
	Payload      map[string]any `json:"payload"`
	OccurredAt   string         `json:"occurred_at"`
}

func (p eventPayload) toInput() (telemetry.EventInput, error) {
	in := telemetry.EventInput{
		ShopID:       p.ShopID,
		RequestID:    p.RequestID,
		RunID:        p.RunID,
		VariantID:    p.VariantID,
		TraceID:      p.TraceID,
		SpanID:       p.SpanID,
		ParentSpanID: p.ParentSpanID,
		Source:       p.Source,
		EventType:    p.EventType,
		Severity:     p.Severity,
		Payload:      p.Payload,
	}
	if strings.TrimSpace(p.OccurredAt) != "" {
		parsed, err := time.Parse(time.RFC3339Nano, p.OccurredAt)
		if err != nil {
			return in, errors.New("invalid occurred_at timestamp")
		}
		in.OccurredAt = parsed.UTC()
	}
	return in, nil
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		if !r.verifyPipelineToken(w, req) {
			return
		}
		r.withRateLimit("/events", rateLimitIngest, rateWindowDefault, rateLimitKeyShop, r.postEvent)(w, req)
	case http.MethodGet:
		if !r.verifyPipelineToken(w, req) {
			return
		}
		r.withRateLimit("/events", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.listEvents)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) postEvent(w http.ResponseWriter, req *http.Request) {
	var payload eventPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in, err := payload.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.emitter.Emit(req.Context(), in); err != nil {
		if errors.Is(err, telemetry.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "event not persisted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Router) handleEventsAsync(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPipelineToken(w, req) {
		return
	}
	r.withRateLimit("/events/async", rateLimitIngest, rateWindowDefault, rateLimitKeyShop, func(w http.ResponseWriter, req *http.Request) {
		var payload eventPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		in, err := payload.toInput()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		r.emitter.EmitAsync(in)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})(w, req)
}

func (r *Router) listEvents(w http.ResponseWriter, req *http.Request) {
	shopID := strings.TrimSpace(req.URL.Query().Get("shop_id"))
	if shopID == "" {
		writeError(w, http.StatusBadRequest, "shop_id query parameter required")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	events, err := r.events.ListEventsByShop(req.Context(), shopID, req.URL.Query().Get("event_type"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": eventViews(events)})
}

func (r *Router) handleRuns(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPipelineToken(w, req) {
		return
	}
	var payload struct {
		RunID           string          `json:"run_id"`
		ShopID          string          `json:"shop_id"`
		RequestID       string          `json:"request_id"`
		ModelID         string          `json:"model_id"`
		SourceImageHash string          `json:"source_image_hash"`
		TargetImageHash string          `json:"target_image_hash"`
		FactsHash       string          `json:"facts_hash"`
		FactsSnapshot   json.RawMessage `json:"facts_snapshot"`
		PromptPackHash  string          `json:"prompt_pack_hash"`
		PromptPack      json.RawMessage `json:"prompt_pack"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	run, err := r.rollups.StartRun(req.Context(), rollup.StartRunInput{
		RunID:           payload.RunID,
		ShopID:          payload.ShopID,
		RequestID:       payload.RequestID,
		ModelID:         payload.ModelID,
		SourceImageHash: payload.SourceImageHash,
		TargetImageHash: payload.TargetImageHash,
		FactsHash:       payload.FactsHash,
		FactsSnapshot:   payload.FactsSnapshot,
		PromptPackHash:  payload.PromptPackHash,
		PromptPack:      payload.PromptPack,
	})
	if err != nil {
		switch {
		case errors.Is(err, rollup.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrConflict):
			writeError(w, http.StatusConflict, "run already exists")
		default:
			writeError(w, http.StatusInternalServerError, "run not persisted")
		}
		return
	}
	writeJSON(w, http.StatusCreated, runView(run, nil))
}

func (r *Router) handleRunSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/runs/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	runID := parts[0]
	if runID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleRunGet(w, req, runID)
	case len(parts) == 2 && parts[1] == "variants":
		r.handleVariantStart(w, req, runID)
	case len(parts) == 2 && parts[1] == "complete":
		r.handleRunComplete(w, req, runID)
	case len(parts) == 4 && parts[1] == "variants" && parts[3] == "result":
		r.handleVariantResult(w, req, runID, parts[2])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleRunGet(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPipelineToken(w, req) {
		return
	}
	run, variants, err := r.rollups.GetRun(req.Context(), runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runView(run, variants))
}

func (r *Router) handleVariantStart(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPipelineToken(w, req) {
		return
	}
	var payload struct {
		VariantID  string `json:"variant_id"`
		PromptHash string `json:"prompt_hash"`
		StartedAt  string `json:"started_at"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in := rollup.VariantStartInput{
		RunID:      runID,
		VariantID:  payload.VariantID,
		PromptHash: payload.PromptHash,
	}
	if strings.TrimSpace(payload.StartedAt) != "" {
		parsed, err := time.Parse(time.RFC3339Nano, payload.StartedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid started_at timestamp")
			return
		}
		in.StartedAt = parsed.UTC()
	}
	if err := r.rollups.RecordVariantStart(req.Context(), in); err != nil {
		if errors.Is(err, rollup.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "variant start not persisted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (r *Router) handleVariantResult(w http.ResponseWriter, req *http.Request, runID, variantID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPipelineToken(w, req) {
		return
	}
	var payload struct {
		Status           string `json:"status"`
		CompletedAt      string `json:"completed_at"`
		LatencyMS        *int64 `json:"latency_ms"`
		ProviderMS       *int64 `json:"provider_ms"`
		UploadMS         *int64 `json:"upload_ms"`
		OutputImageKey   string `json:"output_image_key"`
		OutputImageHash  string `json:"output_image_hash"`
		OutputArtifactID string `json:"output_artifact_id"`
		ErrorCode        string `json:"error_code"`
		ErrorMessage     string `json:"error_message"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in := rollup.VariantResultInput{
		RunID:            runID,
		VariantID:        variantID,
		Status:           payload.Status,
		LatencyMS:        payload.LatencyMS,
		ProviderMS:       payload.ProviderMS,
		UploadMS:         payload.UploadMS,
		OutputImageKey:   payload.OutputImageKey,
		OutputImageHash:  payload.OutputImageHash,
		OutputArtifactID: payload.OutputArtifactID,
		ErrorCode:        payload.ErrorCode,
		ErrorMessage:     payload.ErrorMessage,
	}
	if strings.TrimSpace(payload.CompletedAt) != "" {
		parsed, err := time.Parse(time.RFC3339Nano, payload.CompletedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid completed_at timestamp")
			return
		}
		in.CompletedAt = parsed.UTC()
	}
	if err := r.rollups.RecordVariantResult(req.Context(), in); err != nil {
		if errors.Is(err, rollup.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "variant result not persisted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (r *Router) handleRunComplete(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPipelineToken(w, req) {
		return
	}
	var payload struct {
		Status          string `json:"status"`
		SuccessCount    int    `json:"success_count"`
		FailCount       int    `json:"fail_count"`
		TimeoutCount    int    `json:"timeout_count"`
		TotalDurationMS int64  `json:"total_duration_ms"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := r.rollups.CompleteRun(req.Context(), rollup.CompleteRunInput{
		RunID:           runID,
		Status:          payload.Status,
		SuccessCount:    payload.SuccessCount,
		FailCount:       payload.FailCount,
		TimeoutCount:    payload.TimeoutCount,
		TotalDurationMS: payload.TotalDurationMS,
	})
	if err != nil {
		if errors.Is(err, rollup.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "run completion not persisted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (r *Router) handleArtifacts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPipelineToken(w, req) {
		return
	}
	artifactID := strings.TrimPrefix(req.URL.Path, "/artifacts/")
	if artifactID == "" || strings.Contains(artifactID, "/") {
		r.notFound(w)
		return
	}
	record, err := r.artifacts.Get(req.Context(), artifactID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, artifactView(record))
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if !r.verifyPipelineToken(w, req) {
		return
	}
	shopID := strings.TrimSpace(req.URL.Query().Get("shop_id"))
	if shopID == "" {
		writeError(w, http.StatusBadRequest, "shop_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(shopID, client)
	go func() {
		defer func() {
			r.hub.Unregister(shopID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// verifyPipelineToken ensures pipeline callers include the configured secret.
func (r *Router) verifyPipelineToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.pipelineToken
	if expected == "" {
		r.logger.Error("pipeline token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "pipeline authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Pipeline-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("pipeline_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("pipeline token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid pipeline token")
		return false
	}
	return true
}

func rateLimitKeyShop(req *http.Request) string {
	if shopID := strings.TrimSpace(req.URL.Query().Get("shop_id")); shopID != "" {
		return "shop:" + shopID
	}
	return ""
}

func eventViews(events []domain.TelemetryEvent) []map[string]any {
	views := make([]map[string]any, 0, len(events))
	for i := range events {
		payload, err := telemetry.MarshalEvent(&events[i])
		if err != nil {
			continue
		}
		var view map[string]any
		if err := json.Unmarshal(payload, &view); err != nil {
			continue
		}
		views = append(views, view)
	}
	return views
}

func runView(run *domain.RenderRun, variants []domain.VariantResult) map[string]any {
	view := map[string]any{
		"run_id":            run.ID,
		"shop_id":           run.ShopID,
		"request_id":        run.RequestID,
		"model_id":          run.ModelID,
		"status":            run.Status,
		"success_count":     run.SuccessCount,
		"fail_count":        run.FailCount,
		"timeout_count":     run.TimeoutCount,
		"total_duration_ms": run.TotalDurationMS,
		"created_at":        run.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if run.CompletedAt != nil {
		view["completed_at"] = run.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if variants != nil {
		list := make([]map[string]any, 0, len(variants))
		for i := range variants {
			list = append(list, variantView(&variants[i]))
		}
		view["variants"] = list
	}
	return view
}

func variantView(v *domain.VariantResult) map[string]any {
	view := map[string]any{
		"variant_id": v.VariantID,
		"status":     v.Status,
		"started_at": v.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if v.CompletedAt != nil {
		view["completed_at"] = v.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if v.LatencyMS != nil {
		view["latency_ms"] = *v.LatencyMS
	}
	if v.ProviderMS != nil {
		view["provider_ms"] = *v.ProviderMS
	}
	if v.UploadMS != nil {
		view["upload_ms"] = *v.UploadMS
	}
	if v.OutputImageKey != "" {
		view["output_image_key"] = v.OutputImageKey
	}
	if v.OutputImageHash != "" {
		view["output_image_hash"] = v.OutputImageHash
	}
	if v.OutputArtifactID != "" {
		view["output_artifact_id"] = v.OutputArtifactID
	}
	if v.ErrorCode != "" {
		view["error_code"] = v.ErrorCode
	}
	if v.ErrorMessage != "" {
		view["error_message"] = v.ErrorMessage
	}
	return view
}

func artifactView(a *domain.Artifact) map[string]any {
	view := map[string]any{
		"id":              a.ID,
		"shop_id":         a.ShopID,
		"request_id":      a.RequestID,
		"artifact_type":   a.ArtifactType,
		"storage_key":     a.StorageKey,
		"content_type":    a.ContentType,
		"retention_class": a.RetentionClass,
		"created_at":      a.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":      a.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	if a.RunID != "" {
		view["run_id"] = a.RunID
	}
	if a.VariantID != "" {
		view["variant_id"] = a.VariantID
	}
	if len(a.Meta) > 0 {
		view["meta"] = a.Meta
	}
	return view
}
