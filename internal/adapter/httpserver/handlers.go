package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/domain"
	"github.com/promptfuse/promptfuse/internal/usecase"
)

// Enqueuer wakes the research worker after a job is created.
type Enqueuer interface {
	Enqueue(ctx domain.Context, jobID string) error
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg          config.Config
	Orchestrator *usecase.Orchestrator
	Images       domain.ModelClient
	Jobs         domain.JobStore
	Queue        Enqueuer

	// GatewayCheck probes the upstream model gateway for readiness. Nil
	// skips the probe and readiness falls back to configuration checks.
	GatewayCheck func(ctx domain.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, orch *usecase.Orchestrator, images domain.ModelClient, jobs domain.JobStore, queue Enqueuer) *Server {
	return &Server{Cfg: cfg, Orchestrator: orch, Images: images, Jobs: jobs, Queue: queue}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type queryRequest struct {
	Prompt     string   `json:"prompt" validate:"required"`
	Mode       string   `json:"mode"`
	Models     []string `json:"models" validate:"omitempty,max=10,dive,required"`
	JudgeModel string   `json:"judge_model"`
}

type imageRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

type researchRequest struct {
	Query      string   `json:"query" validate:"required"`
	Models     []string `json:"models" validate:"omitempty,max=10,dive,required"`
	JudgeModel string   `json:"judge_model"`
	MaxResults int      `json:"max_results" validate:"omitempty,min=1,max=20"`
}

func decodeAndValidate(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// QueryHandler runs the merge orchestration synchronously and returns the
// merged answer with per-model results.
func (s *Server) QueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		models := req.Models
		if len(models) == 0 {
			models = s.Cfg.Models
		}
		res, err := s.Orchestrator.Orchestrate(r.Context(), req.Prompt, req.Mode, models, req.JudgeModel)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// GenerateImageHandler proxies a single image-generation call.
func (s *Server) GenerateImageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req imageRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		res, err := s.Images.GenerateImage(r.Context(), req.Prompt)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// CreateResearchHandler registers a deep-research job and returns 202 with
// the job id for polling.
func (s *Server) CreateResearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req researchRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if len(req.Query) > s.Cfg.MaxPromptLength {
			writeError(w, r, fmt.Errorf("%w: query exceeds %d characters", domain.ErrInvalidArgument, s.Cfg.MaxPromptLength), nil)
			return
		}
		opts := domain.ResearchOptions{
			Models:     req.Models,
			JudgeModel: req.JudgeModel,
			MaxResults: req.MaxResults,
		}
		job, err := s.Jobs.Create(r.Context(), req.Query, opts, r.Header.Get("X-User-Id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Queue.Enqueue(r.Context(), job.ID); err != nil {
			ContextLogger(r.Context()).Warn("enqueue signal failed, worker poll will pick the job up",
				slog.String("job_id", job.ID), slog.Any("error", err))
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"jobId":  job.ID,
			"status": string(job.Status),
		})
	}
}

// GetResearchHandler returns the current job snapshot, including result or
// error once terminal.
func (s *Server) GetResearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: missing jobId", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Jobs.Get(r.Context(), id, r.Header.Get("X-User-Id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness: the upstream gateway must be configured
// and, when a probe is wired, reachable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Cfg.OpenRouterAPIKey == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "upstream gateway not configured",
			})
			return
		}
		if s.GatewayCheck != nil {
			if err := s.GatewayCheck(r.Context()); err != nil {
				ContextLogger(r.Context()).Warn("gateway readiness probe failed", slog.Any("error", err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"reason": "upstream gateway unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ready",
			"search_enabled": s.Cfg.SearchEnabled(),
		})
	}
}
