package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/binlens/binlens/internal/auth"
	"github.com/binlens/binlens/internal/breaker"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/job"
	"github.com/binlens/binlens/internal/provider"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	id      string
	healthy bool
}

func (f *fakeClient) ID() string { return f.id }
func (f *fakeClient) TranslateFunction(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return provider.TranslateResponse{}, nil
}
func (f *fakeClient) ExplainImports(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return provider.TranslateResponse{}, nil
}
func (f *fakeClient) InterpretStrings(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return provider.TranslateResponse{}, nil
}
func (f *fakeClient) GenerateOverallSummary(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return provider.TranslateResponse{}, nil
}
func (f *fakeClient) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Healthy: f.healthy}, nil
}
func (f *fakeClient) CountTokens(text string) int     { return len(text) }
func (f *fakeClient) EstimateCost(tokens int) float64 { return 0 }

func setupTestHandler(t *testing.T) (*Handler, *job.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := job.NewStore(rdb, 24*time.Hour)
	authStore := auth.NewStore(rdb, "test-secret")

	cfg := &config.Config{
		Server:     config.Server{MaxUploadBytes: 1 << 20, DevMode: false},
		Worker:     config.Worker{QueueCeiling: 1000, MaxTimeout: 5 * time.Minute},
		Decompiler: config.Decompiler{WorkDir: t.TempDir(), MaxFunctions: 50},
		Auth:       config.Auth{KeyPrefix: "ak_"},
	}

	clients := map[string]provider.Client{"openai": &fakeClient{id: "openai", healthy: true}}
	breakers := breaker.NewRegistry(config.CircuitBreaker{
		FailureThreshold: 3, SuccessThreshold: 2, CooldownPeriod: time.Second, MaxHalfOpenRequests: 1,
	}, zap.NewNop())

	h := NewHandler(cfg, store, authStore, clients, breakers, rdb, zap.NewNop())
	return h, store, rdb
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestHealthReportsProviderStatus(t *testing.T) {
	h, _, _ := setupTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "healthy", resp.Status)
	require.True(t, resp.Providers["openai"])
}

func TestSubmitAcceptsUploadAndEnqueues(t *testing.T) {
	h, store, _ := setupTestHandler(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "sample.exe")
	require.NoError(t, err)
	_, err = fw.Write([]byte("MZfakepe-content"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("analysis_depth", "basic"))
	require.NoError(t, mw.WriteField("translation_detail", "brief"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/decompile", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()

	h.Submit(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success)
	require.Equal(t, "pending", resp.Status)

	j, err := store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, j.Status)
	require.Equal(t, job.DepthBasic, j.Depth)
}

func TestSubmitRejectsInvalidDepth(t *testing.T) {
	h, _, _ := setupTestHandler(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "sample.exe")
	require.NoError(t, err)
	_, err = fw.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("analysis_depth", "ludicrous"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/decompile", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()

	h.Submit(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobReturnsNotFoundForUnknownID(t *testing.T) {
	h, _, _ := setupTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/decompile/nope", nil)
	req = withChiParam(req, "id", "nope")
	w := httptest.NewRecorder()

	h.GetJob(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJobTransitionsToCancelled(t *testing.T) {
	h, store, _ := setupTestHandler(t)
	ctx := context.Background()
	j := &job.Job{ID: job.NewID(), Priority: job.PriorityNormal}
	require.NoError(t, store.Create(ctx, j))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/decompile/"+j.ID, nil)
	req = withChiParam(req, "id", j.ID)
	w := httptest.NewRecorder()

	h.CancelJob(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, got.Status)
}

func TestCreateAndListAPIKeys(t *testing.T) {
	h, _, _ := setupTestHandler(t)

	reqBody := CreateAPIKeyRequest{UserID: "alice", Tier: "standard", Permissions: []string{"read", "write"}}
	raw, _ := json.Marshal(reqBody)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/api-keys", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	h.CreateAPIKey(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created CreateAPIKeyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.NotEmpty(t, created.APIKey)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/admin/api-keys/alice", nil)
	listReq = withChiParam(listReq, "user", "alice")
	listW := httptest.NewRecorder()
	h.ListAPIKeys(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	var keys []APIKeyView
	require.NoError(t, json.NewDecoder(listW.Body).Decode(&keys))
	require.Len(t, keys, 1)
	require.Equal(t, "alice", keys[0].UserID)
}

func TestAdminStatsReportsQueueDepths(t *testing.T) {
	h, store, _ := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &job.Job{ID: job.NewID(), Priority: job.PriorityHigh}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil)
	w := httptest.NewRecorder()
	h.AdminStats(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Contains(t, body, "queue_depths")
}
