package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"

	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/domain"
)

// Research pipeline stages, reported through the progress callback as each
// stage begins.
const (
	StageSearch    = 1
	StageAnswers   = 2
	StageDebate    = 3
	StageSynthesis = 4

	// ResearchStages is the number of reported stages plus final assembly,
	// which the caller performs.
	ResearchStages = 5
)

const (
	researchTemperature = 0.3
	researchMaxTokens   = 3000
)

// StageFunc receives the 1-based stage index when that stage begins. A nil
// callback disables progress reporting.
type StageFunc func(stage int)

// ResearchPipeline runs search, researched answering, optional debate, and
// research-mode judge synthesis for one deep-research job.
type ResearchPipeline struct {
	Cfg    config.Config
	Client domain.ModelClient
	Search domain.SearchClient
	Judge  *JudgeSynthesizer
	Debate *DebateEngine
}

// NewResearchPipeline constructs a ResearchPipeline.
func NewResearchPipeline(cfg config.Config, client domain.ModelClient, search domain.SearchClient) *ResearchPipeline {
	return &ResearchPipeline{
		Cfg:    cfg,
		Client: client,
		Search: search,
		Judge:  NewJudgeSynthesizer(cfg, client),
		Debate: NewDebateEngine(cfg, client),
	}
}

// ResearchOutcome is the completed pipeline output before job-result wrapping.
type ResearchOutcome struct {
	Summary        string
	Citations      []string
	Sources        []domain.ResearchResult
	Rounds         []domain.DebateRound
	FinalAnswers   []domain.ModelAnswer
	ModelsUsed     []string
	FallbackReason string
	TotalLatencyMs int64
}

// Run executes the pipeline. When the search provider is disabled or returns
// nothing usable, the pipeline degrades to a no-sources answer rather than
// failing; only total model failure aborts the job.
func (p *ResearchPipeline) Run(ctx domain.Context, query string, opts domain.ResearchOptions, onStage StageFunc) (ResearchOutcome, error) {
	ctx, span := otel.Tracer("usecase.research").Start(ctx, "research.Run")
	defer span.End()

	start := time.Now()
	report := func(stage int) {
		if onStage != nil {
			onStage(stage)
		}
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return ResearchOutcome{}, fmt.Errorf("%w: empty query", domain.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(query) > p.Cfg.MaxPromptLength {
		return ResearchOutcome{}, fmt.Errorf("%w: query exceeds %d characters", domain.ErrInvalidArgument, p.Cfg.MaxPromptLength)
	}

	models := opts.Models
	if len(models) == 0 {
		models = p.Cfg.Models
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = p.Cfg.ResearchMaxResults
	}

	report(StageSearch)
	sources, fallbackReason := p.gatherSources(ctx, query, maxResults)

	report(StageAnswers)
	answers := p.researchedAnswers(ctx, query, models, sources)
	if len(answers) == 0 {
		return ResearchOutcome{}, fmt.Errorf("op=research.answers: %w", domain.ErrNoSuccessfulAnswers)
	}

	report(StageDebate)
	final := answers
	var rounds []domain.DebateRound
	if p.Cfg.EnableDebate && len(answers) >= 2 {
		debate := p.Debate.Run(ctx, query, answers, opts.JudgeModel)
		final = debate.FinalAnswers
		rounds = debate.Rounds
	}

	report(StageSynthesis)
	summary, err := p.Judge.JudgeAndMerge(ctx, p.judgeQuery(query, sources), final, rounds, opts.JudgeModel, true)
	if err != nil {
		slog.Warn("research judge failed, falling back to first answer", slog.Any("error", err))
		summary = final[0].Answer
	}

	citations := []string{}
	if len(sources) > 0 {
		citations = ExtractCitations(summary, sources)
		// The citation list always carries every consulted URL, so the
		// summary not citing anything inline is flagged separately.
		if fallbackReason == "" && !hasResolvedMarker(summary, sources) {
			fallbackReason = domain.FallbackNoCitationsExtracted
		}
	}

	return ResearchOutcome{
		Summary:        summary,
		Citations:      citations,
		Sources:        sources,
		Rounds:         rounds,
		FinalAnswers:   final,
		ModelsUsed:     models,
		FallbackReason: fallbackReason,
		TotalLatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// gatherSources queries the search provider. Any failure or empty result set
// degrades to the no-sources branch with the matching fallback reason.
func (p *ResearchPipeline) gatherSources(ctx domain.Context, query string, maxResults int) ([]domain.ResearchResult, string) {
	if !p.Search.Enabled() {
		slog.Info("search provider disabled, running without sources")
		return nil, domain.FallbackNoExternalSources
	}
	results, err := p.Search.Search(ctx, query, maxResults)
	if err != nil {
		slog.Warn("search failed, running without sources", slog.Any("error", err))
		return nil, domain.FallbackNoExternalSources
	}
	if len(results) == 0 {
		slog.Info("search returned no results, running without sources")
		return nil, domain.FallbackNoExternalSources
	}
	return results, ""
}

// researchedAnswers fans the query out to the research models with the source
// digest attached. Failed and empty answers are dropped.
func (p *ResearchPipeline) researchedAnswers(ctx domain.Context, query string, models []string, sources []domain.ResearchResult) []domain.ModelAnswer {
	system := researchAnswerSystemPrompt
	if len(sources) == 0 {
		system = researchNoSourcesSystemPrompt
	}
	user := p.answerQuery(query, sources)

	out := make([]domain.ModelAnswer, len(models))
	var wg sync.WaitGroup
	for i, id := range models {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			temp := researchTemperature
			reply, err := p.Client.CallModelWithRetry(ctx, id, []domain.Message{
				{Role: domain.RoleSystem, Content: system},
				{Role: domain.RoleUser, Content: user},
			}, p.Cfg.ResearchModelTimeout(), domain.CallOptions{Temperature: &temp, MaxTokens: researchMaxTokens}, p.Cfg.MaxCallRetries)
			if err != nil {
				slog.Warn("research model failed", slog.String("model", id), slog.Any("error", err))
				return
			}
			out[i] = domain.ModelAnswer{ModelID: id, Answer: reply.Answer, LatencyMs: reply.LatencyMs}
		}(i, id)
	}
	wg.Wait()

	kept := make([]domain.ModelAnswer, 0, len(out))
	for _, a := range out {
		if strings.TrimSpace(a.Answer) != "" {
			kept = append(kept, a)
		}
	}
	return kept
}

// answerQuery renders the query with the numbered source digest the models
// cite against.
func (p *ResearchPipeline) answerQuery(query string, sources []domain.ResearchResult) string {
	if len(sources) == 0 {
		return query
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nResearch sources:\n", query)
	for i, s := range sources {
		fmt.Fprintf(&b, "[Source %d] %s (%s)\n%s\n\n", i+1, s.Title, s.URL, s.Snippet)
	}
	return b.String()
}

// judgeQuery prepends the source digest to the question so the judge can
// resolve [Source N] references while merging.
func (p *ResearchPipeline) judgeQuery(query string, sources []domain.ResearchResult) string {
	if len(sources) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString(query)
	b.WriteString("\n\nThe candidates cite these sources:\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "[Source %d] %s (%s)\n", i+1, s.Title, s.URL)
	}
	return b.String()
}
