package usecase

import (
	"regexp"
	"strconv"

	"github.com/promptfuse/promptfuse/internal/adapter/observability"
	"github.com/promptfuse/promptfuse/internal/domain"
)

// Citation markers are matched most-specific first so "[Source 3]" is consumed
// before the bare "Source 3" pattern can claim it.
var citationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[Source\s+(\d+)\]`),
	regexp.MustCompile(`\[(\d+)\]`),
	regexp.MustCompile(`\(Source\s+(\d+)\)`),
	regexp.MustCompile(`Source\s+(\d+)`),
}

// ExtractCitations resolves the citation markers in text against the search
// results (marker N refers to results[N-1]) and appends every result URL so no
// consulted source is lost. URLs are deduplicated in first-seen order: cited
// sources first, in citation order, then the remaining result URLs.
func ExtractCitations(text string, results []domain.ResearchResult) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(results))
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	for _, re := range citationPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 1 || n > len(results) {
				continue
			}
			add(results[n-1].URL)
		}
	}
	for _, r := range results {
		add(r.URL)
	}

	observability.CitationsPerResearch.Observe(float64(len(out)))
	return out
}

// hasResolvedMarker reports whether text carries at least one citation marker
// that resolves to a search result.
func hasResolvedMarker(text string, results []domain.ResearchResult) bool {
	for _, re := range citationPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(results) {
				return true
			}
		}
	}
	return false
}
