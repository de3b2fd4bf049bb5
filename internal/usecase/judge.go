package usecase

import (
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/promptfuse/promptfuse/internal/adapter/ai/tokencount"
	"github.com/promptfuse/promptfuse/internal/adapter/observability"
	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/domain"
)

const (
	judgeTemperature = 0.3
	judgeMaxTokens   = 4000
)

// JudgeSynthesizer builds the anonymized synthesis prompt, calls the judge
// model once (no retry), and surfaces the merged answer.
type JudgeSynthesizer struct {
	Cfg    config.Config
	Client domain.ModelClient
}

// NewJudgeSynthesizer constructs a JudgeSynthesizer.
func NewJudgeSynthesizer(cfg config.Config, client domain.ModelClient) *JudgeSynthesizer {
	return &JudgeSynthesizer{Cfg: cfg, Client: client}
}

// JudgeAndMerge synthesizes one merged answer from the candidates. Candidate
// model identities never reach the prompt; the judge sees positional labels
// only. Debate rounds, when present, are summarized in an evolution-context
// block so the judge understands the provenance of the final answers.
func (j *JudgeSynthesizer) JudgeAndMerge(ctx domain.Context, userPrompt string, answers []domain.ModelAnswer, rounds []domain.DebateRound, judgeOverride string, researchMode bool) (string, error) {
	ctx, span := otel.Tracer("usecase.judge").Start(ctx, "judge.JudgeAndMerge")
	defer span.End()

	if len(answers) == 0 {
		return "", fmt.Errorf("%w: no answers to judge", domain.ErrInvalidArgument)
	}

	model := j.Cfg.JudgeModel
	if judgeOverride != "" {
		model = judgeOverride
	}

	systemPrompt := judgeSystemPrompt
	if researchMode {
		systemPrompt = judgeResearchSystemPrompt
	}
	userMessage := j.buildUserMessage(userPrompt, answers, rounds)

	tokens := tokencount.CountChatTokensDefault(systemPrompt, userMessage, model)
	observability.JudgePromptTokens.Observe(float64(tokens))
	slog.Debug("judge prompt built",
		slog.String("judge_model", model),
		slog.Int("candidates", len(answers)),
		slog.Int("debate_rounds", len(rounds)),
		slog.Int("prompt_tokens", tokens),
		slog.Bool("research_mode", researchMode))

	temp := judgeTemperature
	reply, err := j.Client.CallModel(ctx, model, []domain.Message{
		{Role: domain.RoleSystem, Content: systemPrompt},
		{Role: domain.RoleUser, Content: userMessage},
	}, j.Cfg.JudgeTimeout(), domain.CallOptions{Temperature: &temp, MaxTokens: judgeMaxTokens})
	if err != nil {
		return "", fmt.Errorf("op=judge.merge: %w", err)
	}
	return reply.Answer, nil
}

func (j *JudgeSynthesizer) buildUserMessage(userPrompt string, answers []domain.ModelAnswer, rounds []domain.DebateRound) string {
	var b strings.Builder

	if len(rounds) > 0 {
		b.WriteString("Evolution context: the candidate answers below were refined through moderated debate rounds. The feedback given in each round was:\n")
		for _, r := range rounds {
			fmt.Fprintf(&b, "- Round %d: %s\n", r.RoundIndex, r.JudgeFeedback)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Original question:\n%s\n\n", userPrompt)
	b.WriteString("Candidate answers:\n\n")
	for i, a := range answers {
		fmt.Fprintf(&b, "%s:\n%s\n\n", answerLabel(i), truncateAtWord(a.Answer, j.Cfg.MaxAnswerLengthForJudge))
	}
	b.WriteString("Produce the single merged answer now.")
	return b.String()
}
