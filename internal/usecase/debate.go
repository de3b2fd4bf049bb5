package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/domain"
)

const (
	feedbackViewLimit = 500
	refineViewLimit   = 300
)

// DebateEngine runs the iterative refine loop: judge feedback followed by
// parallel refinement, repeated for exactly MaxDebateRounds rounds. It is
// partial-failure tolerant and never aborts the enclosing pipeline.
type DebateEngine struct {
	Cfg    config.Config
	Client domain.ModelClient
}

// NewDebateEngine constructs a DebateEngine.
func NewDebateEngine(cfg config.Config, client domain.ModelClient) *DebateEngine {
	return &DebateEngine{Cfg: cfg, Client: client}
}

// DebateOutcome is the terminal state of the debate loop.
type DebateOutcome struct {
	Rounds         []domain.DebateRound
	FinalAnswers   []domain.ModelAnswer
	TotalLatencyMs int64
}

// Run executes exactly MaxDebateRounds rounds over the given answers. With
// zero rounds configured it is the identity on its inputs. A model that fails
// a refinement keeps its previous answer; if every model fails every round,
// the initial answers survive unchanged.
func (d *DebateEngine) Run(ctx domain.Context, prompt string, answers []domain.ModelAnswer, judgeOverride string) DebateOutcome {
	ctx, span := otel.Tracer("usecase.debate").Start(ctx, "debate.Run")
	defer span.End()

	start := time.Now()
	current := make([]domain.ModelAnswer, len(answers))
	copy(current, answers)

	rounds := d.Cfg.MaxDebateRounds
	if rounds <= 0 {
		return DebateOutcome{Rounds: []domain.DebateRound{}, FinalAnswers: current}
	}

	recorded := make([]domain.DebateRound, 0, rounds)
	for r := 1; r <= rounds; r++ {
		feedback := d.collectFeedback(ctx, prompt, current, judgeOverride)
		current = d.refineRound(ctx, prompt, current, feedback, r)

		snapshot := make([]domain.ModelAnswer, len(current))
		copy(snapshot, current)
		recorded = append(recorded, domain.DebateRound{
			RoundIndex:      r,
			JudgeFeedback:   feedback,
			PerModelAnswers: snapshot,
		})
		slog.Debug("debate round finished",
			slog.Int("round", r),
			slog.Int("participants", len(current)))
	}

	return DebateOutcome{
		Rounds:         recorded,
		FinalAnswers:   current,
		TotalLatencyMs: time.Since(start).Milliseconds(),
	}
}

// collectFeedback asks the judge model for directive feedback on the current
// answers. On any failure it substitutes a generic line so the round proceeds.
func (d *DebateEngine) collectFeedback(ctx domain.Context, prompt string, answers []domain.ModelAnswer, judgeOverride string) string {
	model := d.Cfg.JudgeModel
	if judgeOverride != "" {
		model = judgeOverride
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nCurrent expert answers:\n\n", prompt)
	for i, a := range answers {
		fmt.Fprintf(&b, "%s:\n%s\n\n", expertLabel(i), truncateAtWord(a.Answer, feedbackViewLimit))
	}
	b.WriteString("Give your directive feedback (max 100 words).")

	reply, err := d.Client.CallModel(ctx, model, []domain.Message{
		{Role: domain.RoleSystem, Content: debateFeedbackSystemPrompt},
		{Role: domain.RoleUser, Content: b.String()},
	}, d.Cfg.JudgeFeedbackTimeout(), domain.CallOptions{MaxTokens: 200})
	if err != nil || strings.TrimSpace(reply.Answer) == "" {
		slog.Warn("judge feedback unavailable, using generic feedback", slog.Any("error", err))
		return genericDebateFeedback
	}
	return reply.Answer
}

// refineRound calls every model in parallel with the round's feedback. A
// failed refinement retains the model's previous answer.
func (d *DebateEngine) refineRound(ctx domain.Context, prompt string, answers []domain.ModelAnswer, feedback string, round int) []domain.ModelAnswer {
	next := make([]domain.ModelAnswer, len(answers))
	copy(next, answers)

	var wg sync.WaitGroup
	for i := range answers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := d.Client.CallModel(ctx, answers[i].ModelID,
				d.refineMessages(prompt, answers, feedback, round, i),
				d.Cfg.DebateTimeout(), domain.CallOptions{})
			if err != nil {
				slog.Warn("refinement failed, keeping previous answer",
					slog.Int("round", round),
					slog.Int("participant", i),
					slog.Any("error", err))
				return
			}
			next[i].Answer = reply.Answer
			next[i].LatencyMs = reply.LatencyMs
		}(i)
	}
	wg.Wait()
	return next
}

func (d *DebateEngine) refineMessages(prompt string, answers []domain.ModelAnswer, feedback string, round, self int) []domain.Message {
	system := fmt.Sprintf(
		"You are one of several anonymous experts in debate round %d. Refine your previous answer using the moderator's feedback and the other experts' answers. Return only your improved answer.",
		round)

	var b strings.Builder
	fmt.Fprintf(&b, "Original question:\n%s\n\n", prompt)
	fmt.Fprintf(&b, "Moderator feedback for this round:\n%s\n\n", feedback)
	b.WriteString("Other experts' answers:\n\n")
	for i, a := range answers {
		if i == self {
			continue
		}
		fmt.Fprintf(&b, "%s:\n%s\n\n", expertLabel(i), truncateAtWord(a.Answer, refineViewLimit))
	}
	fmt.Fprintf(&b, "Your previous answer:\n%s\n\n", truncateAtWord(answers[self].Answer, feedbackViewLimit))
	b.WriteString("Write your refined answer now.")

	return []domain.Message{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: b.String()},
	}
}
