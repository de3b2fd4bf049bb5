package memqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/promptfuse/promptfuse/internal/adapter/observability"
	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/domain"
	"github.com/promptfuse/promptfuse/internal/usecase"
)

// Progress milestones, one per pipeline stage plus completion. The store
// carries iteration counters alongside so clients can render "step 2 of 5".
var stageMilestones = map[int]int{
	usecase.StageSearch:    10,
	usecase.StageAnswers:   30,
	usecase.StageDebate:    50,
	usecase.StageSynthesis: 70,
}

// Worker drains queued research jobs one at a time. A single worker is
// deliberate: each job already fans out to every configured model, so job
// concurrency would multiply upstream pressure.
type Worker struct {
	Cfg      config.Config
	Queue    *Queue
	Store    domain.JobStore
	Pipeline *usecase.ResearchPipeline

	done chan struct{}
}

// NewWorker constructs a Worker.
func NewWorker(cfg config.Config, q *Queue, store domain.JobStore, pipeline *usecase.ResearchPipeline) *Worker {
	return &Worker{Cfg: cfg, Queue: q, Store: store, Pipeline: pipeline, done: make(chan struct{})}
}

// Run loops until ctx is cancelled: wake on enqueue signal or poll tick, then
// drain every queued job in creation order. The job in flight when ctx is
// cancelled runs to completion; Wait blocks until then.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	interval := w.Cfg.WorkerPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Queue.signal:
		case <-ticker.C:
		}
		w.drain(ctx)
	}
}

// Wait blocks until Run has returned.
func (w *Worker) Wait() { <-w.done }

func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobs, err := w.Store.ListQueued(ctx)
		if err != nil || len(jobs) == 0 {
			return
		}
		w.process(ctx, jobs[0])
	}
}

// process runs one job through the research pipeline. The queued -> running
// transition doubles as a claim: when a duplicate wake-up races us to a job
// another drain already started, the transition fails and the job is skipped.
func (w *Worker) process(ctx context.Context, job domain.Job) {
	// Detached from the shutdown signal: cancelling Run stops new claims in
	// drain, but the claimed job must finish and record its outcome.
	ctx = context.WithoutCancel(ctx)
	ctx, span := otel.Tracer("queue.worker").Start(ctx, "worker.process")
	defer span.End()

	lg := slog.Default().With(slog.String("job_id", job.ID))
	if err := w.Store.UpdateStatus(ctx, job.ID, domain.JobRunning); err != nil {
		lg.Debug("job already claimed", slog.Any("error", err))
		return
	}
	observability.JobsProcessing.Inc()
	defer observability.JobsProcessing.Dec()
	lg.Info("research job started", slog.String("query", job.Query))

	start := time.Now()
	onStage := func(stage int) {
		milestone, ok := stageMilestones[stage]
		if !ok {
			return
		}
		remaining := estimateRemaining(start, stage)
		if err := w.Store.UpdateProgress(ctx, job.ID, milestone, remaining, stage, usecase.ResearchStages); err != nil {
			lg.Warn("progress update failed", slog.Any("error", err))
		}
	}

	outcome, err := w.Pipeline.Run(ctx, job.Query, job.Options, onStage)
	if err != nil {
		code := classifyError(err)
		lg.Error("research job failed",
			slog.String("code", code),
			slog.Any("error", err))
		observability.JobsFailedTotal.WithLabelValues(code).Inc()
		if serr := w.Store.SetError(ctx, job.ID, domain.JobError{Code: code, Message: err.Error()}); serr != nil {
			lg.Error("failed to record job error", slog.Any("error", serr))
		}
		return
	}

	if err := w.Store.UpdateProgress(ctx, job.ID, 100, 0, usecase.ResearchStages, usecase.ResearchStages); err != nil {
		lg.Warn("final progress update failed", slog.Any("error", err))
	}
	if err := w.Store.SetResult(ctx, job.ID, wrapResult(outcome)); err != nil {
		lg.Error("failed to record job result", slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.Inc()
	lg.Info("research job completed",
		slog.Int("sources", len(outcome.Sources)),
		slog.Int("citations", len(outcome.Citations)),
		slog.Int64("latency_ms", outcome.TotalLatencyMs))
}

// estimateRemaining projects time left from the average duration of the
// stages finished so far.
func estimateRemaining(start time.Time, stage int) int {
	completed := stage - 1
	if completed < 1 {
		completed = 1
	}
	perStage := time.Since(start) / time.Duration(completed)
	remaining := perStage * time.Duration(usecase.ResearchStages-stage)
	return int(remaining.Seconds())
}

// wrapResult shapes the pipeline outcome into the stored job result: a
// summary section always, citations and sources sections when present.
func wrapResult(o usecase.ResearchOutcome) domain.ResearchJobResult {
	sections := []domain.ResultSection{
		{Title: "Summary", Content: o.Summary, Type: "summary"},
	}
	if len(o.Citations) > 0 {
		var b strings.Builder
		for i, c := range o.Citations {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
		sections = append(sections, domain.ResultSection{Title: "Citations", Content: b.String(), Type: "citations"})
	}
	if len(o.Sources) > 0 {
		var b strings.Builder
		for i, s := range o.Sources {
			fmt.Fprintf(&b, "[Source %d] %s (%s)\n", i+1, s.Title, s.URL)
		}
		sections = append(sections, domain.ResultSection{Title: "Sources", Content: b.String(), Type: "sources"})
	}

	return domain.ResearchJobResult{
		Summary:         o.Summary,
		Sections:        sections,
		Citations:       o.Citations,
		ResearchSources: o.Sources,
		DebateRounds:    o.Rounds,
		ModelAnswers:    o.FinalAnswers,
		Metadata: domain.ResultMetadata{
			ModelsUsed:     o.ModelsUsed,
			DebateRounds:   len(o.Rounds),
			SourceCount:    len(o.Sources),
			FallbackReason: o.FallbackReason,
		},
	}
}

// classifyError maps a pipeline failure onto the client-facing error codes.
func classifyError(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return domain.JobErrInvalidInput
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.JobErrResearchTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid"):
		return domain.JobErrInvalidInput
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return domain.JobErrResearchTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return domain.JobErrRateLimited
	default:
		return domain.JobErrResearchFailed
	}
}
