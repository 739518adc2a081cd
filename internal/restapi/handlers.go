package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/binlens/binlens/internal/admin"
	"github.com/binlens/binlens/internal/apierr"
	"github.com/binlens/binlens/internal/auth"
	"github.com/binlens/binlens/internal/breaker"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/decompiler"
	"github.com/binlens/binlens/internal/job"
	"github.com/binlens/binlens/internal/obs"
	"github.com/binlens/binlens/internal/provider"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// validate backs struct-tag validation for request bodies and the
// submit form, replacing hand-rolled field checks with the same
// validator used across the corpus for this concern.
var validate = validator.New()

// Handler holds the dependencies every REST endpoint needs.
type Handler struct {
	cfg       *config.Config
	store     *job.Store
	authStore *auth.Store
	clients   map[string]provider.Client
	breakers  *breaker.Registry
	rdb       *redis.Client
	log       *zap.Logger
	audit     *AuditLogger
}

// NewHandler wires a Handler from the process's shared components.
func NewHandler(cfg *config.Config, store *job.Store, authStore *auth.Store, clients map[string]provider.Client, breakers *breaker.Registry, rdb *redis.Client, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, store: store, authStore: authStore, clients: clients, breakers: breakers, rdb: rdb, log: log}
}

// WithAuditLogger attaches an audit trail for admin-sensitive actions
// (API key issuance/revocation, job cancellation); a nil logger disables
// auditing, which is the default.
func (h *Handler) WithAuditLogger(audit *AuditLogger) *Handler {
	h.audit = audit
	return h
}

func (h *Handler) recordAudit(r *http.Request, action, result string) {
	if h.audit == nil {
		return
	}
	principal, _ := auth.FromContext(r.Context())
	user := principal.UserID
	if user == "" {
		user = "anonymous"
	}
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		User:      user,
		Action:    action,
		Result:    result,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if err := h.audit.Log(entry); err != nil {
		h.log.Warn("audit log write failed", zap.Error(err), zap.String("action", action))
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AdminStats answers GET /admin/stats.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := admin.Stats(r.Context(), h.rdb, h.clients, h.breakers)
	if err != nil {
		writeAPIErr(w, apierr.Internal("stats aggregation failed"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

var supportedFormats = []string{"PE", "ELF", "Mach-O"}
var analysisDepths = []string{"basic", "standard", "comprehensive"}
var translationDetails = []string{"brief", "standard", "comprehensive"}

// Health answers GET /health: overall status plus per-provider reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]bool, len(h.clients))
	healthy := true
	for id, c := range h.clients {
		status, err := c.HealthCheck(r.Context())
		providers[id] = err == nil && status.Healthy
		if !providers[id] {
			healthy = false
		}
	}
	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: status, Providers: providers})
}

// Ready answers GET /health/ready: 200 only when the kv-store responds.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.TotalQueueLength(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready"})
}

// Live answers GET /health/live: always 200 unless the process itself is
// unable to serve HTTP, in which case the server would not reach here.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive"})
}

// SystemInfo answers GET /system/info.
func (h *Handler) SystemInfo(w http.ResponseWriter, r *http.Request) {
	providers := make([]string, 0, len(h.clients))
	for id := range h.clients {
		providers = append(providers, id)
	}
	writeJSON(w, http.StatusOK, SystemInfoResponse{
		SupportedFormats:   supportedFormats,
		MaxUploadBytes:     h.cfg.Server.MaxUploadBytes,
		AnalysisDepths:     analysisDepths,
		TranslationDetails: translationDetails,
		Providers:          providers,
	})
}

// TestConnectivity answers GET /decompile/test: a connectivity probe that
// round-trips the kv-store without touching the decompiler binary.
func (h *Handler) TestConnectivity(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.TotalQueueLength(r.Context()); err != nil {
		writeAPIErr(w, apierr.ProviderUnavailable("kv-store unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitForm is the struct-tag-validated shape of Submit's resolved form
// fields, checked with the same validator the admin-key request uses
// rather than hand-rolled oneOf checks.
type submitForm struct {
	AnalysisDepth     string `validate:"required,oneof=basic standard comprehensive"`
	TranslationDetail string `validate:"required,oneof=brief standard comprehensive"`
}

// executableMIMEs are the mimetype tree roots that cover the PE/ELF/Mach-O
// binaries this service accepts; MIME.Is walks the detection hierarchy so
// ELF variants (shared lib, core dump, object) all match "application/x-elf".
var executableMIMEs = []string{
	"application/x-msdownload",
	"application/vnd.microsoft.portable-executable",
	"application/x-elf",
	"application/x-mach-binary",
}

func isExecutableMIME(mtype *mimetype.MIME) bool {
	for _, m := range executableMIMEs {
		if mtype.Is(m) {
			return true
		}
	}
	return false
}

// Submit answers POST /decompile: accepts a multipart binary upload,
// validates it, persists a pending job, and enqueues it.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIErr(w, apierr.PayloadTooLarge("upload exceeds max_upload_bytes (%d)", tooLarge.Limit))
			return
		}
		writeAPIErr(w, apierr.Validation("request too large or malformed: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIErr(w, apierr.Validation("missing file field"))
		return
	}
	defer file.Close()

	depth := job.Depth(defaultString(r.FormValue("analysis_depth"), "standard"))
	detail := job.Detail(defaultString(r.FormValue("translation_detail"), "standard"))
	form := submitForm{AnalysisDepth: string(depth), TranslationDetail: string(detail)}
	if err := validate.Struct(form); err != nil {
		writeAPIErr(w, apierr.Validation("invalid submit configuration: %v", err))
		return
	}
	providerID := r.FormValue("llm_provider")
	if providerID != "" {
		if _, ok := h.clients[providerID]; !ok {
			writeAPIErr(w, apierr.Validation("unknown llm_provider %q", providerID))
			return
		}
	}

	queued, err := h.store.TotalQueueLength(r.Context())
	if err != nil {
		writeAPIErr(w, apierr.Internal("queue length check failed"))
		return
	}
	if h.cfg.Worker.QueueCeiling > 0 && int(queued) >= h.cfg.Worker.QueueCeiling {
		writeAPIErr(w, apierr.New(apierr.KindProviderUnavailable, "queue_full", nil))
		return
	}

	id := job.NewID()
	destPath := filepath.Join(h.cfg.Decompiler.WorkDir, id+".bin")
	if err := saveUpload(file, destPath, h.cfg.Server.MaxUploadBytes); err != nil {
		writeAPIErr(w, apierr.Validation("failed to persist upload: %v", err))
		return
	}

	mtype, err := mimetype.DetectFile(destPath)
	if err != nil {
		os.Remove(destPath)
		writeAPIErr(w, apierr.Internal("failed to inspect upload"))
		return
	}
	format, _ := decompiler.SniffFormat(destPath)
	if job.Format(format) == job.FormatUnknown || !isExecutableMIME(mtype) {
		os.Remove(destPath)
		writeAPIErr(w, apierr.Validation("unsupported upload format %q (detected %s): expected a PE, ELF, or Mach-O binary", header.Filename, mtype.String()))
		return
	}

	sha, err := decompiler.SHA256File(destPath)
	if err != nil {
		os.Remove(destPath)
		writeAPIErr(w, apierr.Internal("hash upload failed"))
		return
	}

	principal, _ := auth.FromContext(r.Context())
	j := &job.Job{
		ID:                    id,
		Submitter:             principal.UserID,
		Filename:              header.Filename,
		FileSize:              header.Size,
		SHA256:                sha,
		Depth:                 depth,
		ProviderID:            providerID,
		ModelID:               r.FormValue("llm_model"),
		Detail:                detail,
		Flags:                 job.Flags{IncludeFunctions: true, IncludeImports: true, IncludeOverallSummary: true},
		MaxFunctionsTranslate: h.cfg.Decompiler.MaxFunctions,
		TimeoutSeconds:        int(h.cfg.Worker.MaxTimeout.Seconds()),
		Priority:              job.PriorityNormal,
		TempBlobPath:          destPath,
		DetectedFormat:        job.Format(format),
	}
	if err := h.store.Create(r.Context(), j); err != nil {
		os.Remove(destPath)
		writeAPIErr(w, apierr.Internal("failed to persist job"))
		return
	}
	obs.JobsSubmitted.Inc()

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		Success: true,
		JobID:   j.ID,
		Status:  string(job.StatusPending),
		FileInfo: FileInfo{
			Filename:    header.Filename,
			SizeBytes:   header.Size,
			ContentType: header.Header.Get("Content-Type"),
		},
		Config: SubmitConfig{
			AnalysisDepth:     string(depth),
			LLMProvider:       providerID,
			LLMModel:          j.ModelID,
			TranslationDetail: string(detail),
		},
		CheckStatusURL: "/api/v1/decompile/" + j.ID,
	})
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func saveUpload(src io.Reader, destPath string, limit int64) error {
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()
	n, err := io.Copy(out, io.LimitReader(src, limit+1))
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("upload exceeds max_upload_bytes")
	}
	return nil
}

// GetJob answers GET /decompile/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := h.store.Get(r.Context(), id)
	if err == job.ErrNotFound {
		writeAPIErr(w, apierr.NotFound("job not found"))
		return
	}
	if err != nil {
		writeAPIErr(w, apierr.Internal("job lookup failed"))
		return
	}

	resp := JobStatusResponse{
		JobID:              j.ID,
		Status:             string(j.Status),
		ProgressPercentage: j.ProgressPercentage,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		Errors:             j.Errors,
		Warnings:           j.Warnings,
	}
	if j.Status == job.StatusCompleted {
		result, err := h.store.GetResult(r.Context(), id)
		if err == nil {
			resp.Results = result
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob answers DELETE /decompile/{id}: CAS from pending or processing
// to cancelled, the single linearization point shared with completion.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.store.CompareAndSwapStatus(r.Context(), id, job.StatusCancelled, job.StatusPending, job.StatusProcessing)
	if err != nil {
		writeAPIErr(w, apierr.Internal("cancel failed"))
		return
	}
	if !ok {
		writeAPIErr(w, apierr.Validation("job is not in a cancellable state"))
		return
	}
	_ = h.store.SetField(r.Context(), id, "completed_at", time.Now().UTC().Format(time.RFC3339Nano))
	_ = h.store.SetTerminalTTL(r.Context(), id)
	obs.JobsCancelled.Inc()
	h.recordAudit(r, "cancel_job:"+id, "ok")
	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.StatusCancelled)})
}

func breakerState(b *breaker.Breaker) string {
	switch b.State() {
	case breaker.Open:
		return "open"
	case breaker.HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ListProviders answers GET /llm-providers.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	infos := make([]ProviderInfo, 0, len(h.clients))
	for id, c := range h.clients {
		status, _ := c.HealthCheck(r.Context())
		infos = append(infos, ProviderInfo{
			ID:           id,
			Healthy:      status.Healthy,
			CircuitState: breakerState(h.breakers.Get(id)),
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

// GetProvider answers GET /llm-providers/{id}.
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.clients[id]
	if !ok {
		writeAPIErr(w, apierr.NotFound("unknown provider"))
		return
	}
	status, _ := c.HealthCheck(r.Context())
	writeJSON(w, http.StatusOK, ProviderInfo{
		ID:           id,
		Healthy:      status.Healthy,
		CircuitState: breakerState(h.breakers.Get(id)),
	})
}

// ProviderHealthCheck answers POST /llm-providers/{id}/health-check: forces
// an immediate probe outside the breaker's own interval.
func (h *Handler) ProviderHealthCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.clients[id]
	if !ok {
		writeAPIErr(w, apierr.NotFound("unknown provider"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	status, err := c.HealthCheck(ctx)
	if err != nil {
		writeAPIErr(w, apierr.ProviderUnavailable(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// CreateAPIKey answers POST /admin/api-keys.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErr(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeAPIErr(w, apierr.Validation("invalid api key request: %v", err))
		return
	}

	perms := make([]auth.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		perms = append(perms, auth.Permission(p))
	}
	if len(perms) == 0 {
		perms = []auth.Permission{auth.PermRead}
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			writeAPIErr(w, apierr.Validation("invalid expires_in: %v", err))
			return
		}
		t := time.Now().UTC().Add(d)
		expiresAt = &t
	}

	raw, key, err := h.authStore.Create(r.Context(), h.cfg.Auth.KeyPrefix, req.UserID, auth.Tier(req.Tier), perms, expiresAt)
	if err != nil {
		h.recordAudit(r, "create_api_key:"+req.UserID, "error")
		writeAPIErr(w, apierr.Internal("failed to create api key"))
		return
	}
	h.recordAudit(r, "create_api_key:"+req.UserID, "ok")
	writeJSON(w, http.StatusCreated, CreateAPIKeyResponse{KeyID: key.KeyID, APIKey: raw, Tier: string(key.Tier)})
}

// ListAPIKeys answers GET /admin/api-keys/{user}.
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	keys, err := h.authStore.ListForUser(r.Context(), user)
	if err != nil {
		writeAPIErr(w, apierr.Internal("failed to list api keys"))
		return
	}
	views := make([]APIKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, APIKeyView{
			KeyID: k.KeyID, UserID: k.UserID, Tier: string(k.Tier),
			Status: string(k.Status), CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// RevokeAPIKey answers DELETE /admin/api-keys/{user}/{keyId}.
func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	keyID := chi.URLParam(r, "keyId")
	if err := h.authStore.Revoke(r.Context(), user, keyID); err != nil {
		h.recordAudit(r, "revoke_api_key:"+user+":"+keyID, "error")
		writeAPIErr(w, apierr.NotFound(err.Error()))
		return
	}
	h.recordAudit(r, "revoke_api_key:"+user+":"+keyID, "ok")
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// DevCreateAPIKey answers POST /admin/dev/create-api-key: a dev-mode-only
// shortcut that mints an enterprise-tier, admin-permission key without the
// production create-key flow's field validation.
func (h *Handler) DevCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Server.DevMode {
		writeAPIErr(w, apierr.NotFound("not found"))
		return
	}
	raw, key, err := h.authStore.Create(r.Context(), h.cfg.Auth.KeyPrefix, "dev-"+uuid.NewString()[:8], auth.TierEnterprise, []auth.Permission{auth.PermAdmin}, nil)
	if err != nil {
		writeAPIErr(w, apierr.Internal("failed to create dev api key"))
		return
	}
	h.recordAudit(r, "dev_create_api_key:"+key.UserID, "ok")
	writeJSON(w, http.StatusCreated, CreateAPIKeyResponse{KeyID: key.KeyID, APIKey: raw, Tier: string(key.Tier)})
}
