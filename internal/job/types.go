// Package job defines the job/result data model and its kv-store backed
// persistence: the Job record, the DecompilationArtifact it produces, and
// the TranslationResult the orchestrator attaches on completion.
package job

import "time"

// Status is a job's lifecycle state. Transitions are restricted to the
// graph pending -> {processing, cancelled}, processing -> {completed,
// failed, cancelled}; terminal states are sinks.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a sink state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Depth string

const (
	DepthBasic         Depth = "basic"
	DepthStandard      Depth = "standard"
	DepthComprehensive Depth = "comprehensive"
)

type Detail string

const (
	DetailBrief         Detail = "brief"
	DetailStandard      Detail = "standard"
	DetailComprehensive Detail = "comprehensive"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Priorities lists queue priorities from highest to lowest, the dequeue
// order workers honor.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

type Format string

const (
	FormatPE      Format = "PE"
	FormatELF     Format = "ELF"
	FormatMachO   Format = "Mach-O"
	FormatUnknown Format = "unknown"
)

type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
	PlatformUnknown Platform = "unknown"
)

type StringEncoding string

const (
	EncodingASCII  StringEncoding = "ascii"
	EncodingUTF16  StringEncoding = "utf-16"
	EncodingUTF32  StringEncoding = "utf-32"
)

// Flags toggles which translation kinds the orchestrator runs.
type Flags struct {
	IncludeFunctions      bool `json:"include_functions"`
	IncludeImports        bool `json:"include_imports"`
	IncludeOverallSummary bool `json:"include_overall_summary"`
}

// Job is the unit of work tracked from submit to terminal state.
type Job struct {
	ID          string   `json:"id"`
	Submitter   string   `json:"submitter"`
	Filename    string   `json:"filename"`
	FileSize    int64    `json:"file_size"`
	SHA256      string   `json:"sha256"`
	Depth       Depth    `json:"analysis_depth"`
	ProviderID  string   `json:"llm_provider,omitempty"`
	ModelID     string   `json:"llm_model,omitempty"`
	Detail      Detail   `json:"translation_detail"`
	Flags       Flags    `json:"flags"`
	MaxFunctionsTranslate int      `json:"max_functions_translate"`
	CostLimitUSD          float64  `json:"cost_limit_usd"`
	TimeoutSeconds        int      `json:"timeout_seconds"`
	Priority              Priority `json:"priority"`

	Status             Status    `json:"status"`
	ProgressPercentage int       `json:"progress_percentage"`
	CreatedAt          time.Time `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`

	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`

	// TempBlobPath is the worker-local path to the uploaded binary; never
	// serialized to clients.
	TempBlobPath string `json:"-"`

	// DetectedFormat is the magic-byte format pre-tag assigned at submit
	// time, ahead of the decompiler stage's own detection.
	DetectedFormat Format `json:"detected_format,omitempty"`
}

// Function is one disassembled routine.
type Function struct {
	Name             string   `json:"name"`
	Address          string   `json:"address"`
	Size             int      `json:"size"`
	RawAssembly      string   `json:"raw_assembly,omitempty"`
	Callees          []string `json:"callees"`
	Callers          []string `json:"callers"`
	ImportsReferenced []string `json:"imports_referenced"`
	StringAddressesReferenced []string `json:"string_addresses_referenced"`
}

// Import is one imported symbol.
type Import struct {
	Library      string  `json:"library"`
	FunctionName string  `json:"function_name,omitempty"`
	Ordinal      *int    `json:"ordinal,omitempty"`
	IATAddress   string  `json:"iat_address,omitempty"`
}

// String is one extracted string constant.
type String struct {
	Value    string         `json:"value"`
	Address  string         `json:"address"`
	Size     int            `json:"size"`
	Encoding StringEncoding `json:"encoding"`
	Section  string         `json:"section"`
}

// DecompilationArtifact is produced by the decompiler adapter and consumed
// by the orchestrator.
type DecompilationArtifact struct {
	SHA256       string     `json:"sha256"`
	Size         int64      `json:"size"`
	Format       Format     `json:"format"`
	Platform     Platform   `json:"platform"`
	Architecture string     `json:"architecture"`
	EntryPoint   string     `json:"entry_point"`
	Sections     []string   `json:"sections"`
	Functions    []Function `json:"functions"`
	Imports      []Import   `json:"imports"`
	Strings      []String   `json:"strings"`
	DurationSeconds float64 `json:"duration_seconds"`
	Success      bool       `json:"success"`
	Errors       []string   `json:"errors"`
	Warnings     []string   `json:"warnings"`
}

// ProviderMetadata is attached to every translation carried out by a provider.
type ProviderMetadata struct {
	ProviderID     string  `json:"provider_id"`
	ModelID        string  `json:"model_id"`
	TokensUsed     int     `json:"tokens_used"`
	ProcessingMS   int64   `json:"processing_ms"`
	CostEstimateUSD float64 `json:"cost_estimate_usd"`
	Temperature    float64 `json:"temperature"`
	CustomEndpoint string  `json:"custom_endpoint,omitempty"`
}

// FunctionTranslation is the natural-language explanation of one Function.
type FunctionTranslation struct {
	FunctionName string            `json:"function_name"`
	Explanation  string            `json:"explanation,omitempty"`
	Error        string            `json:"error,omitempty"`
	Metadata     *ProviderMetadata `json:"provider_metadata,omitempty"`
}

// ImportExplanation is the natural-language explanation of one imported library group.
type ImportExplanation struct {
	Library     string            `json:"library"`
	Explanation string            `json:"explanation,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    *ProviderMetadata `json:"provider_metadata,omitempty"`
}

// StringInterpretation is the natural-language interpretation of a batch of strings.
type StringInterpretation struct {
	Values       []string          `json:"values"`
	Interpretation string          `json:"interpretation,omitempty"`
	Error        string            `json:"error,omitempty"`
	Metadata     *ProviderMetadata `json:"provider_metadata,omitempty"`
}

// TranslationResult is the orchestrator's output, stored against a completed job.
type TranslationResult struct {
	OverallSummary        string                 `json:"overall_summary,omitempty"`
	FunctionTranslations  []FunctionTranslation  `json:"function_translations"`
	ImportExplanations    []ImportExplanation    `json:"import_explanations"`
	StringInterpretations []StringInterpretation `json:"string_interpretations"`
}

// Snapshot is a full read-only view: the job record plus, when
// terminal-completed, its result.
type Snapshot struct {
	Job    Job                 `json:"job"`
	Result *TranslationResult  `json:"results,omitempty"`
}
