package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrTimeout             = errors.New("upstream timeout")
	ErrRemote              = errors.New("upstream error")
	ErrNetwork             = errors.New("network error")
	ErrEmptyResponse       = errors.New("empty response")
	ErrUnsupportedImage    = errors.New("unsupported image response format")
	ErrNoSuccessfulAnswers = errors.New("no successful answers")
	ErrAllModelsFailed     = errors.New("all models failed")
	ErrInternal            = errors.New("internal error")
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ModelDescriptor identifies an upstream model. ID is opaque to the core.
type ModelDescriptor struct {
	ID          string
	DisplayName string
	Provider    string
}

// Message is one turn of a conversation sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelCallResult is the outcome of a single model call.
// Invariant: Success implies Answer != ""; failure implies Answer == "".
type ModelCallResult struct {
	ModelID   string `json:"model_id"`
	Answer    string `json:"answer,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ModelAnswer pairs a model with its current answer inside the pipeline.
// The model identity never reaches a prompt; prompts see positional labels.
type ModelAnswer struct {
	ModelID   string `json:"model_id"`
	Answer    string `json:"answer"`
	LatencyMs int64  `json:"latency_ms"`
}

// DebateRound records one feedback+refinement iteration.
type DebateRound struct {
	RoundIndex      int           `json:"round_index"`
	JudgeFeedback   string        `json:"judge_feedback"`
	PerModelAnswers []ModelAnswer `json:"per_model_answers"`
}

// ResearchResult is a single web-search hit. Results with empty URLs are dropped.
type ResearchResult struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Snippet        string  `json:"snippet"`
	SourceDomain   string  `json:"source_domain"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// ResearchContext is built once per pipeline invocation and read-only after.
type ResearchContext struct {
	Query     string           `json:"query"`
	Results   []ResearchResult `json:"results"`
	Summary   string           `json:"summary"`
	Citations []string         `json:"citations"`
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether s permits no further transitions.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// JobError is the classified failure recorded on a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResearchOptions are the caller-supplied knobs for a deep-research job.
type ResearchOptions struct {
	Models     []string `json:"models,omitempty"`
	JudgeModel string   `json:"judge_model,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
}

// Job is owned by the job store; mutations flow only through store operations.
// Invariants: completed implies Progress=100 and Result set; failed implies
// Error set; running/terminal imply StartedAt set; Progress is a multiple of 5
// in [0,100]; UpdatedAt is monotonically non-decreasing.
type Job struct {
	ID                        string             `json:"id"`
	UserID                    string             `json:"user_id,omitempty"`
	Status                    JobStatus          `json:"status"`
	Progress                  int                `json:"progress"`
	CurrentIteration          int                `json:"current_iteration,omitempty"`
	TotalIterations           int                `json:"total_iterations,omitempty"`
	Query                     string             `json:"query"`
	Options                   ResearchOptions    `json:"options"`
	Result                    *ResearchJobResult `json:"result,omitempty"`
	Error                     *JobError          `json:"error,omitempty"`
	CreatedAt                 time.Time          `json:"created_at"`
	UpdatedAt                 time.Time          `json:"updated_at"`
	StartedAt                 *time.Time         `json:"started_at,omitempty"`
	CompletedAt               *time.Time         `json:"completed_at,omitempty"`
	EstimatedRemainingSeconds int                `json:"estimated_remaining_seconds,omitempty"`
}

// ResultSection is one titled block of a wrapped research result.
type ResultSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Type    string `json:"type"` // summary | citations | sources
}

// ResultMetadata carries provenance for a completed research job.
type ResultMetadata struct {
	ModelsUsed     []string `json:"models_used,omitempty"`
	DebateRounds   int      `json:"debate_rounds"`
	SourceCount    int      `json:"source_count"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
}

// Fallback reasons for research jobs that completed without usable sources.
const (
	FallbackNoExternalSources    = "NO_EXTERNAL_SOURCES"
	FallbackNoCitationsExtracted = "NO_CITATIONS_EXTRACTED"
)

// ResearchJobResult is the structured result stored on a completed job.
type ResearchJobResult struct {
	Summary         string           `json:"summary"`
	Sections        []ResultSection  `json:"sections"`
	Citations       []string         `json:"citations"`
	ResearchSources []ResearchResult `json:"research_sources"`
	DebateRounds    []DebateRound    `json:"debate_rounds"`
	ModelAnswers    []ModelAnswer    `json:"model_answers"`
	Metadata        ResultMetadata   `json:"metadata"`
}

// Job error classification codes assigned by the worker.
const (
	JobErrResearchTimeout = "RESEARCH_TIMEOUT"
	JobErrRateLimited     = "RATE_LIMIT_EXCEEDED"
	JobErrInvalidInput    = "INVALID_INPUT"
	JobErrResearchFailed  = "RESEARCH_FAILED"
)

// CallOptions tune a single model call.
type CallOptions struct {
	Temperature *float64
	MaxTokens   int
}

// ModelReply is a successful model call payload.
type ModelReply struct {
	Answer    string
	LatencyMs int64
}

// ImageResult is the decoded outcome of an image-generation call. Exactly one
// of URL or B64DataURI is non-empty.
type ImageResult struct {
	URL        string `json:"url,omitempty"`
	B64DataURI string `json:"b64_data_uri,omitempty"`
}

// ModelClient (port) is the one-shot request/response surface against the
// upstream LLM gateway.
type ModelClient interface {
	CallModel(ctx Context, modelID string, messages []Message, timeout time.Duration, opts CallOptions) (ModelReply, error)
	CallModelWithRetry(ctx Context, modelID string, messages []Message, timeout time.Duration, opts CallOptions, maxRetries int) (ModelReply, error)
	GenerateImage(ctx Context, prompt string) (ImageResult, error)
}

// SearchClient (port) is the opaque web-search provider.
type SearchClient interface {
	Search(ctx Context, query string, maxResults int) ([]ResearchResult, error)
	Enabled() bool
}

// JobStore (port) is the in-memory job registry. All operations are atomic on
// a per-job basis.
type JobStore interface {
	Create(ctx Context, query string, opts ResearchOptions, userID string) (Job, error)
	Get(ctx Context, id, userID string) (Job, error)
	UpdateStatus(ctx Context, id string, status JobStatus) error
	UpdateProgress(ctx Context, id string, progress, remainingSeconds, currentIteration, totalIterations int) error
	SetResult(ctx Context, id string, result ResearchJobResult) error
	SetError(ctx Context, id string, jobErr JobError) error
	ListQueued(ctx Context) ([]Job, error)
	Cleanup(ctx Context, maxAge time.Duration) int
}

// Context aliases context.Context so ports read uniformly across layers.
type Context = context.Context
