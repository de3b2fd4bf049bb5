// Package usecase contains the orchestration engine: fan-out with early
// commit, the debate loop, judge synthesis, and the research pipeline.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/domain"
)

// Orchestrator fans a prompt out to the query models, commits to the judge
// early when enough successes arrive, optionally runs the debate loop, and
// assembles the merged result.
type Orchestrator struct {
	Cfg    config.Config
	Client domain.ModelClient
	Judge  *JudgeSynthesizer
	Debate *DebateEngine
}

// NewOrchestrator constructs an Orchestrator with its collaborators.
func NewOrchestrator(cfg config.Config, client domain.ModelClient) *Orchestrator {
	return &Orchestrator{
		Cfg:    cfg,
		Client: client,
		Judge:  NewJudgeSynthesizer(cfg, client),
		Debate: NewDebateEngine(cfg, client),
	}
}

// OrchestrateResult is the assembled outcome of one orchestration.
type OrchestrateResult struct {
	MergedAnswer    string                   `json:"merged_answer"`
	PerModelResults []domain.ModelCallResult `json:"per_model_results"`
	TotalLatencyMs  int64                    `json:"total_latency_ms"`
	RequestID       string                   `json:"request_id"`
}

// AllModelsFailedError carries the full per-model result list when not a
// single query model produced an answer.
type AllModelsFailedError struct {
	Results []domain.ModelCallResult
}

func (e *AllModelsFailedError) Error() string {
	return fmt.Sprintf("all %d models failed", len(e.Results))
}

// Unwrap ties the error into the domain taxonomy.
func (e *AllModelsFailedError) Unwrap() error { return domain.ErrAllModelsFailed }

type judgeOutcome struct {
	answer string
	err    error
}

// Orchestrate runs the four-phase merge: parallel fan-out with early commit,
// late-judge fallback, optional debate with supersession, result assembly.
func (o *Orchestrator) Orchestrate(ctx domain.Context, prompt, mode string, modelIDs []string, judgeOverride string) (OrchestrateResult, error) {
	ctx, span := otel.Tracer("usecase.orchestrate").Start(ctx, "orchestrate.Orchestrate")
	defer span.End()

	requestID := uuid.New().String()
	lg := slog.Default().With(slog.String("request_id", requestID))
	start := time.Now()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return OrchestrateResult{}, fmt.Errorf("%w: empty prompt", domain.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(prompt) > o.Cfg.MaxPromptLength {
		return OrchestrateResult{}, fmt.Errorf("%w: prompt exceeds %d characters", domain.ErrInvalidArgument, o.Cfg.MaxPromptLength)
	}
	if len(modelIDs) == 0 {
		return OrchestrateResult{}, fmt.Errorf("%w: empty model list", domain.ErrInvalidArgument)
	}
	canonicalMode, err := NormalizeMode(mode)
	if err != nil {
		return OrchestrateResult{}, err
	}
	systemPrompt := SystemPromptForMode(canonicalMode)

	// Phase 1: parallel fan-out. Every completion is processed as it
	// arrives; the early judge launches the moment the success threshold is
	// met. All N calls are always awaited; stragglers may be needed for
	// debate, and abandoning them would strand sockets.
	resultCh := make(chan domain.ModelCallResult, len(modelIDs))
	for _, id := range modelIDs {
		go func(id string) {
			resultCh <- o.callQueryModel(ctx, id, systemPrompt, prompt)
		}(id)
	}

	earlyCtx, cancelEarly := context.WithCancel(ctx)
	defer cancelEarly()
	var earlyCh chan judgeOutcome

	results := make([]domain.ModelCallResult, 0, len(modelIDs))
	successes := make([]domain.ModelAnswer, 0, len(modelIDs))
	for range modelIDs {
		res := <-resultCh
		results = append(results, res)
		if !res.Success {
			lg.Warn("model call failed",
				slog.String("model", res.ModelID),
				slog.String("error", res.Error))
			continue
		}
		successes = append(successes, domain.ModelAnswer{ModelID: res.ModelID, Answer: res.Answer, LatencyMs: res.LatencyMs})
		if o.Cfg.EnableEarlyJudge && earlyCh == nil && len(successes) == o.Cfg.MinModelsForJudge {
			snapshot := make([]domain.ModelAnswer, len(successes))
			copy(snapshot, successes)
			earlyCh = make(chan judgeOutcome, 1)
			lg.Info("early judge launched", slog.Int("successes", len(snapshot)))
			go func() {
				answer, jerr := o.Judge.JudgeAndMerge(earlyCtx, prompt, snapshot, nil, judgeOverride, false)
				earlyCh <- judgeOutcome{answer: answer, err: jerr}
			}()
		}
	}

	if len(successes) == 0 {
		lg.Error("all models failed", slog.Int("models", len(modelIDs)))
		return OrchestrateResult{}, &AllModelsFailedError{Results: results}
	}

	finalAnswers := successes
	var rounds []domain.DebateRound
	var outcome judgeOutcome

	switch {
	case o.Cfg.EnableDebate && len(successes) >= 2:
		// Phase 3: debate supersedes any early judge in flight. Cancel it
		// so the work is not orphaned; its output must not be returned.
		debate := o.Debate.Run(ctx, prompt, successes, judgeOverride)
		cancelEarly()
		finalAnswers = debate.FinalAnswers
		rounds = debate.Rounds
		lg.Info("debate finished, launching superseding judge",
			slog.Int("rounds", len(rounds)))
		answer, jerr := o.Judge.JudgeAndMerge(ctx, prompt, finalAnswers, rounds, judgeOverride, false)
		outcome = judgeOutcome{answer: answer, err: jerr}
	case earlyCh != nil:
		outcome = <-earlyCh
	default:
		// Phase 2: the early threshold was never reached; judge over all
		// successes after fan-out.
		answer, jerr := o.Judge.JudgeAndMerge(ctx, prompt, successes, nil, judgeOverride, false)
		outcome = judgeOutcome{answer: answer, err: jerr}
	}

	// Phase 4: result assembly with judge-failure fallback.
	merged := outcome.answer
	if outcome.err != nil {
		lg.Warn("judge failed, falling back to first answer", slog.Any("error", outcome.err))
		merged = finalAnswers[0].Answer
	}

	total := time.Since(start).Milliseconds()
	lg.Info("orchestration complete",
		slog.String("mode", canonicalMode),
		slog.Int("models", len(modelIDs)),
		slog.Int("successes", len(successes)),
		slog.Int("debate_rounds", len(rounds)),
		slog.Int64("total_latency_ms", total))

	return OrchestrateResult{
		MergedAnswer:    merged,
		PerModelResults: results,
		TotalLatencyMs:  total,
		RequestID:       requestID,
	}, nil
}

// callQueryModel performs one fan-out call, capturing the failure instead of
// propagating it so siblings are unaffected.
func (o *Orchestrator) callQueryModel(ctx domain.Context, modelID, systemPrompt, prompt string) domain.ModelCallResult {
	reply, err := o.Client.CallModelWithRetry(ctx, modelID, []domain.Message{
		{Role: domain.RoleSystem, Content: systemPrompt},
		{Role: domain.RoleUser, Content: prompt},
	}, o.Cfg.PerModelTimeout(), domain.CallOptions{}, o.Cfg.MaxCallRetries)
	if err != nil {
		return domain.ModelCallResult{ModelID: modelID, Success: false, Error: err.Error()}
	}
	return domain.ModelCallResult{
		ModelID:   modelID,
		Answer:    reply.Answer,
		LatencyMs: reply.LatencyMs,
		Success:   true,
	}
}
