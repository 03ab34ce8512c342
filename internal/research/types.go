// Package research drives the phased pipeline: questions, plan, execute,
// final report, and custom export. Each phase is a pure function of its
// inputs plus model output; everything durable goes through the session
// store, everything volatile through the task registry.
package research

import (
	"strings"

	"deepresearch/internal/errors"
	"deepresearch/internal/research/aggregate"
	"deepresearch/internal/session"
)

// Prompt length bounds for the initial research request.
const (
	MinPromptChars = 10
	MaxPromptChars = 20000
)

// Per-phase output token budgets.
const (
	questionsBudget   = 2048
	planBudget        = 3072
	queriesBudget     = 4096
	learningBudget    = 3072
	finalReportBudget = 8192
	exportBudget      = 4096
)

var (
	validLanguages = map[string]bool{
		"en": true, "es": true, "fr": true, "de": true, "it": true,
		"pt": true, "ru": true, "zh": true, "ja": true, "ko": true,
	}
	validDepths = map[string]bool{"quick": true, "standard": true, "deep": true}
	validModes  = map[string]bool{"auto": true, "agents": true, "direct": true}
)

// Request is the research request bundle shared by the phase endpoints.
type Request struct {
	Prompt           string                 `json:"prompt"`
	ModelsConfig     session.ModelsConfig   `json:"models_config"`
	EnableWebSearch  bool                   `json:"enable_web_search"`
	MaxSearchResults int                    `json:"max_search_results"`
	ResearchDepth    string                 `json:"research_depth"`
	OutputFormat     string                 `json:"output_format"`
	Language         string                 `json:"language"`
	SessionID        string                 `json:"session_id,omitempty"`
	ExecutionMode    string                 `json:"execution_mode,omitempty"`
}

// Normalize applies defaults in place and validates the request.
func (r *Request) Normalize() error {
	if n := len(r.Prompt); n <= MinPromptChars {
		return errors.New(errors.KindValidation,
			"prompt must be longer than %d characters, got %d", MinPromptChars, n)
	} else if n > MaxPromptChars {
		return errors.New(errors.KindValidation,
			"prompt must be at most %d characters, got %d", MaxPromptChars, n)
	}

	if r.Language == "" {
		r.Language = "en"
	}
	if !validLanguages[r.Language] {
		return errors.New(errors.KindValidation, "unknown language: %s", r.Language)
	}

	if r.ResearchDepth == "" {
		r.ResearchDepth = "standard"
	}
	if !validDepths[r.ResearchDepth] {
		return errors.New(errors.KindValidation, "unknown research depth: %s", r.ResearchDepth)
	}

	if r.ExecutionMode == "" {
		r.ExecutionMode = "auto"
	}
	if !validModes[r.ExecutionMode] {
		return errors.New(errors.KindValidation, "unknown execution mode: %s", r.ExecutionMode)
	}

	if r.MaxSearchResults == 0 {
		r.MaxSearchResults = 10
	}
	if r.MaxSearchResults < 1 || r.MaxSearchResults > 20 {
		return errors.New(errors.KindValidation,
			"max_search_results must be in [1, 20], got %d", r.MaxSearchResults)
	}

	if strings.TrimSpace(r.ModelsConfig.Thinking) == "" {
		return errors.New(errors.KindValidation, "models_config.thinking is required")
	}
	if strings.TrimSpace(r.ModelsConfig.Task) == "" {
		r.ModelsConfig.Task = r.ModelsConfig.Thinking
	}
	return nil
}

// ResearchConfig projects the request onto the session-carried bundle.
func (r *Request) ResearchConfig() *session.ResearchConfig {
	return &session.ResearchConfig{
		ModelsConfig:     r.ModelsConfig,
		EnableWebSearch:  r.EnableWebSearch,
		MaxSearchResults: r.MaxSearchResults,
		ResearchDepth:    r.ResearchDepth,
		OutputFormat:     r.OutputFormat,
		Language:         r.Language,
		ExecutionMode:    r.ExecutionMode,
	}
}

// Section is one titled block of a phase report.
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Report is the envelope returned by synchronous phase endpoints.
type Report struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
}

// QuestionsResult is the QUESTIONS phase artifact.
type QuestionsResult struct {
	Questions  []string `json:"questions"`
	Report     Report   `json:"report"`
	TokensUsed int      `json:"tokens_used"`
}

// PlanResult is the PLAN phase artifact.
type PlanResult struct {
	Plan       string `json:"plan"`
	TokensUsed int    `json:"tokens_used"`
}

// ExecuteBackend selects how the execute phase obtains web results.
type ExecuteBackend string

const (
	// BackendGrounded lets the thinking model run its own web searches
	// through the adapter's grounding tool.
	BackendGrounded ExecuteBackend = "grounded"
	// BackendExternal fans queries out through the search adapter and a
	// task model synthesizes the fetched pages.
	BackendExternal ExecuteBackend = "external"
)

// ExecuteResult is the EXECUTE phase artifact. Findings and Markdown are
// two renderings of the same ordered SearchTask list.
type ExecuteResult struct {
	Tasks        []session.SearchTask `json:"search_tasks"`
	Markdown     string               `json:"markdown"`
	Findings     []aggregate.Finding  `json:"aggregated_findings"`
	TokensUsed   int                  `json:"tokens_used"`
	SourcesFound int                  `json:"sources_found"`
}

// ReportResult is the FINAL REPORT phase artifact.
type ReportResult struct {
	Report     string `json:"report"`
	TokensUsed int    `json:"tokens_used"`
}

// ExportResult is the CUSTOM EXPORT phase artifact. JSON is the serialized
// `{"slides": [...]}` envelope in the requested title order.
type ExportResult struct {
	Slides     []Slide `json:"slides"`
	JSON       string  `json:"json"`
	TokensUsed int     `json:"tokens_used"`
}
