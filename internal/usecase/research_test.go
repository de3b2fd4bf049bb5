package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptfuse/promptfuse/internal/domain"
)

type fakeSearch struct {
	enabled bool
	results []domain.ResearchResult
	err     error
}

func (f *fakeSearch) Search(_ domain.Context, _ string, _ int) ([]domain.ResearchResult, error) {
	return f.results, f.err
}

func (f *fakeSearch) Enabled() bool { return f.enabled }

func TestResearch_FullRunWithSources(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "claim supported by [Source 1]", nil)
	fc.script("m2", "another take citing [Source 2]", nil)
	fc.script("judge", "merged research with [Source 1] and [Source 2]", nil)

	search := &fakeSearch{enabled: true, results: sources(2)}
	p := NewResearchPipeline(testConfig(), fc, search)

	var stages []int
	out, err := p.Run(context.Background(), "history of Go", domain.ResearchOptions{Models: []string{"m1", "m2"}}, func(s int) { stages = append(stages, s) })
	require.NoError(t, err)

	assert.Equal(t, "merged research with [Source 1] and [Source 2]", out.Summary)
	assert.Equal(t, []int{StageSearch, StageAnswers, StageDebate, StageSynthesis}, stages)
	assert.Len(t, out.Sources, 2)
	assert.Contains(t, out.Citations, "https://example.com/1")
	assert.Contains(t, out.Citations, "https://example.com/2")
	assert.Empty(t, out.FallbackReason)
}

func TestResearch_SearchDisabledFallsBackToNoSources(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "answer from knowledge", nil)
	fc.script("judge", "merged", nil)

	p := NewResearchPipeline(testConfig(), fc, &fakeSearch{enabled: false})
	out, err := p.Run(context.Background(), "q", domain.ResearchOptions{Models: []string{"m1"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.FallbackNoExternalSources, out.FallbackReason)
	assert.Empty(t, out.Sources)
	assert.Empty(t, out.Citations)

	// The no-sources system prompt must be used.
	calls := fc.callsFor("m1")
	require.Len(t, calls, 1)
	assert.Equal(t, researchNoSourcesSystemPrompt, calls[0].messages[0].Content)
}

func TestResearch_SearchFailureDegradesNotFails(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "answer", nil)
	fc.script("judge", "merged", nil)

	search := &fakeSearch{enabled: true, err: domain.ErrRemote}
	p := NewResearchPipeline(testConfig(), fc, search)
	out, err := p.Run(context.Background(), "q", domain.ResearchOptions{Models: []string{"m1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.FallbackNoExternalSources, out.FallbackReason)
}

func TestResearch_NoSuccessfulAnswersAborts(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "", domain.ErrRemote)
	fc.script("m2", "", domain.ErrTimeout)

	p := NewResearchPipeline(testConfig(), fc, &fakeSearch{enabled: false})
	_, err := p.Run(context.Background(), "q", domain.ResearchOptions{Models: []string{"m1", "m2"}}, nil)
	assert.ErrorIs(t, err, domain.ErrNoSuccessfulAnswers)
}

func TestResearch_NoCitationsExtractedReason(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "no markers here", nil)
	fc.script("judge", "", domain.ErrTimeout)

	// Judge failure falls back to the model answer, which cites nothing
	// inline. Source URLs still appear in the citation list, but the missing
	// markers are surfaced through the fallback reason.
	search := &fakeSearch{enabled: true, results: []domain.ResearchResult{{Title: "t", URL: "https://example.com/1"}}}
	p := NewResearchPipeline(testConfig(), fc, search)
	out, err := p.Run(context.Background(), "q", domain.ResearchOptions{Models: []string{"m1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "no markers here", out.Summary)
	assert.NotEmpty(t, out.Citations)
	assert.Equal(t, domain.FallbackNoCitationsExtracted, out.FallbackReason)
}

func TestResearch_ValidationErrors(t *testing.T) {
	p := NewResearchPipeline(testConfig(), newFakeClient(), &fakeSearch{})
	_, err := p.Run(context.Background(), "  ", domain.ResearchOptions{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestResearch_QueryLengthCountsRunes(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "answer", nil)
	fc.script("judge", "merged", nil)

	cfg := testConfig()
	cfg.MaxPromptLength = 10
	p := NewResearchPipeline(cfg, fc, &fakeSearch{enabled: false})

	_, err := p.Run(context.Background(), strings.Repeat("é", 10), domain.ResearchOptions{Models: []string{"m1"}}, nil)
	assert.NoError(t, err)

	_, err = p.Run(context.Background(), strings.Repeat("é", 11), domain.ResearchOptions{Models: []string{"m1"}}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestResearch_DefaultsModelsFromConfig(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "a1", nil)
	fc.script("m2", "a2", nil)
	fc.script("m3", "a3", nil)
	fc.script("judge", "merged", nil)

	p := NewResearchPipeline(testConfig(), fc, &fakeSearch{enabled: false})
	out, err := p.Run(context.Background(), "q", domain.ResearchOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, out.ModelsUsed)
	assert.Len(t, out.FinalAnswers, 3)
}

func TestResearch_SourceDigestReachesModels(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "cited [Source 1]", nil)
	fc.script("judge", "merged [Source 1]", nil)

	search := &fakeSearch{enabled: true, results: sources(1)}
	p := NewResearchPipeline(testConfig(), fc, search)
	_, err := p.Run(context.Background(), "q", domain.ResearchOptions{Models: []string{"m1"}}, nil)
	require.NoError(t, err)

	calls := fc.callsFor("m1")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].messages[1].Content, "[Source 1] title 1 (https://example.com/1)")
	assert.Equal(t, researchAnswerSystemPrompt, calls[0].messages[0].Content)
}
