package usecase

import (
	"fmt"
	"strings"

	"github.com/promptfuse/promptfuse/internal/domain"
)

// Query modes select the system prompt for the query-phase model calls.
const (
	ModeGeneral      = "general"
	ModeCoding       = "coding"
	ModeSystemDesign = "system-design"
	ModeCreative     = "creative"
)

var modeSystemPrompts = map[string]string{
	ModeGeneral: "You are a knowledgeable assistant. Answer the user's question " +
		"directly and accurately. Be thorough but avoid padding.",
	ModeCoding: "You are an expert software engineer. Answer with working, " +
		"idiomatic code in fenced blocks, plus a short explanation of the approach " +
		"and any important trade-offs.",
	ModeSystemDesign: "You are a principal systems architect. Answer with a " +
		"concrete architecture: components, data flow, scaling strategy, failure " +
		"modes, and the reasoning behind each choice.",
	ModeCreative: "You are a skilled creative writer. Respond with original, " +
		"vivid writing that matches the tone and form the user asks for.",
}

// NormalizeMode maps aliases onto canonical modes. "query" is the legacy name
// for general.
func NormalizeMode(mode string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(mode))
	if m == "" || m == "query" {
		m = ModeGeneral
	}
	if _, ok := modeSystemPrompts[m]; !ok {
		return "", fmt.Errorf("%w: unsupported mode %q", domain.ErrInvalidArgument, mode)
	}
	return m, nil
}

// SystemPromptForMode returns the query-phase system prompt for a canonical mode.
func SystemPromptForMode(mode string) string { return modeSystemPrompts[mode] }

const judgeSystemPrompt = `You are an expert synthesis judge. You receive several candidate answers to the same question, labeled Answer A, Answer B, and so on.

Your task:
1. SYNTHESIZE one merged answer that combines the strongest content of all candidates. Do not simply select one answer.
2. Rewrite in your own voice; never copy a candidate verbatim.
3. Use clear structured formatting (headings, lists, code blocks where appropriate).
4. Where candidates contradict each other, resolve the conflict in favor of factual accuracy.

Output only the merged answer. Never mention the candidates, the labels, or this process.`

const judgeResearchSystemPrompt = judgeSystemPrompt + `

This is a research synthesis. Additional requirements:
- Preserve source citations exactly in the form [Source N]; keep every citation attached to the claim it supports.
- Do not introduce claims that no candidate supports with a citation. Be explicit about gaps in the research.`

const debateFeedbackSystemPrompt = `You are moderating a debate between anonymous experts who each answered the same question. Give directive feedback, at most 100 words, telling them what to fix: factual disagreements to resolve, missing angles, weak reasoning. Do not answer the question yourself and do not rank the experts.`

// genericDebateFeedback substitutes for the judge when the feedback call
// fails; the round proceeds regardless.
const genericDebateFeedback = "Continue refining your answers for accuracy, completeness, and clarity."

const researchAnswerSystemPrompt = `You are a research assistant answering with the help of web sources provided below.

Rules:
- Cite sources inline using the exact form [Source N] for every claim a source supports.
- Prioritize the provided research over your training knowledge when they disagree.
- Be honest about what the sources do not cover; do not fabricate citations.`

const researchNoSourcesSystemPrompt = `You are a research assistant. No external sources are available for this query, so answer from your own knowledge, state clearly that no external sources were consulted, and flag any claims you are uncertain about.`

// answerLabel returns the positional label the judge sees: "Answer A",
// "Answer B", ... Labels carry no model identity.
func answerLabel(i int) string {
	if i < 26 {
		return fmt.Sprintf("Answer %c", 'A'+i)
	}
	return fmt.Sprintf("Answer %d", i+1)
}

// expertLabel is the debate-side analogue of answerLabel.
func expertLabel(i int) string {
	if i < 26 {
		return fmt.Sprintf("Expert %c", 'A'+i)
	}
	return fmt.Sprintf("Expert %d", i+1)
}

// truncateAtWord caps s at max characters, cutting at the last word boundary
// before the cap and appending an ellipsis.
func truncateAtWord(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n") + "..."
}
