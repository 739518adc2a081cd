package restapi

import "time"

// FileInfo describes the uploaded binary in a submit response.
type FileInfo struct {
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
}

// SubmitConfig echoes the resolved analysis configuration.
type SubmitConfig struct {
	AnalysisDepth     string `json:"analysis_depth"`
	LLMProvider       string `json:"llm_provider,omitempty"`
	LLMModel          string `json:"llm_model,omitempty"`
	TranslationDetail string `json:"translation_detail"`
}

// SubmitResponse is the 202 body returned by POST /decompile.
type SubmitResponse struct {
	Success             bool         `json:"success"`
	JobID                string       `json:"job_id"`
	Status               string       `json:"status"`
	FileInfo             FileInfo     `json:"file_info"`
	Config               SubmitConfig `json:"config"`
	EstimatedCompletion  string       `json:"estimated_completion,omitempty"`
	CheckStatusURL       string       `json:"check_status_url"`
}

// JobStatusResponse is the body returned by GET /decompile/{id}.
type JobStatusResponse struct {
	JobID              string     `json:"job_id"`
	Status             string     `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	Results            interface{} `json:"results,omitempty"`
	Errors             []string   `json:"errors"`
	Warnings           []string   `json:"warnings"`
}

// SystemInfoResponse answers GET /system/info.
type SystemInfoResponse struct {
	SupportedFormats   []string `json:"supported_formats"`
	MaxUploadBytes     int64    `json:"max_upload_bytes"`
	AnalysisDepths     []string `json:"analysis_depths"`
	TranslationDetails []string `json:"translation_details"`
	Providers          []string `json:"providers"`
}

// HealthResponse answers GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Providers map[string]bool        `json:"providers,omitempty"`
	Version   string                 `json:"version,omitempty"`
}

// ProviderInfo is one entry of GET /llm-providers.
type ProviderInfo struct {
	ID           string `json:"id"`
	Healthy      bool   `json:"healthy"`
	CircuitState string `json:"circuit_state"`
	DefaultModel string `json:"default_model,omitempty"`
}

// CreateAPIKeyRequest is the body of POST /admin/api-keys.
type CreateAPIKeyRequest struct {
	UserID      string   `json:"user_id" validate:"required"`
	Tier        string   `json:"tier" validate:"required,oneof=basic standard premium enterprise"`
	Permissions []string `json:"permissions" validate:"omitempty,dive,oneof=read write admin"`
	ExpiresIn   string   `json:"expires_in,omitempty" validate:"omitempty"`
}

// CreateAPIKeyResponse returns the raw key exactly once.
type CreateAPIKeyResponse struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
	Tier   string `json:"tier"`
}

// APIKeyView is the user-facing record returned by listing endpoints;
// unlike the persisted record it never carries the raw key.
type APIKeyView struct {
	KeyID      string    `json:"key_id"`
	UserID     string    `json:"user_id"`
	Tier       string    `json:"tier"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}
