package usecase

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/promptfuse/promptfuse/internal/domain"
)

func sources(n int) []domain.ResearchResult {
	out := make([]domain.ResearchResult, n)
	for i := range out {
		out[i] = domain.ResearchResult{
			Title: fmt.Sprintf("title %d", i+1),
			URL:   fmt.Sprintf("https://example.com/%d", i+1),
		}
	}
	return out
}

func TestExtractCitations_AllMarkerForms(t *testing.T) {
	for _, text := range []string{
		"Claim one [Source 1]. Claim two [Source 2].",
		"Claim one [1]. Claim two [2].",
		"Claim one (Source 1). Claim two (Source 2).",
		"Claim one per Source 1, claim two per Source 2.",
	} {
		got := ExtractCitations(text, sources(2))
		assert.Equal(t, []string{"https://example.com/1", "https://example.com/2"}, got, text)
	}
}

func TestExtractCitations_CitedSourcesOrderedFirst(t *testing.T) {
	got := ExtractCitations("see [Source 3] and later [Source 1]", sources(3))
	assert.Equal(t, []string{
		"https://example.com/3",
		"https://example.com/1",
		"https://example.com/2",
	}, got)
}

func TestExtractCitations_OutOfRangeMarkersIgnored(t *testing.T) {
	got := ExtractCitations("bogus [Source 0] and [Source 99]", sources(2))
	assert.Equal(t, []string{"https://example.com/1", "https://example.com/2"}, got)
}

func TestExtractCitations_DeduplicatesRepeatedMarkers(t *testing.T) {
	got := ExtractCitations("[Source 1] again [Source 1] and [1] and (Source 1)", sources(1))
	assert.Equal(t, []string{"https://example.com/1"}, got)
}

func TestExtractCitations_UncitedResultURLsStillIncluded(t *testing.T) {
	got := ExtractCitations("no markers at all", sources(3))
	assert.Len(t, got, 3)
}

func TestExtractCitations_EmptyInputs(t *testing.T) {
	assert.Empty(t, ExtractCitations("", nil))
	assert.Empty(t, ExtractCitations("[Source 1]", nil))
}

// Every marker that resolves must map to the URL of the result at index N-1.
func TestExtractCitations_IndexMapping(t *testing.T) {
	srcs := sources(5)
	got := ExtractCitations("[Source 4]", srcs)
	assert.Equal(t, srcs[3].URL, got[0])
}
