// Package tavily implements the web-search provider client against the
// Tavily search API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/promptfuse/promptfuse/internal/adapter/observability"
	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/domain"
)

const searchTimeout = 30 * time.Second

// Client implements domain.SearchClient. A zero API key disables it, which
// forces the research pipeline into the no-sources branch.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a Tavily client with its own bounded keep-alive pool.
func New(cfg config.Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Transport: otelhttp.NewTransport(transport)},
	}
}

// Enabled reports whether search requests can be issued.
func (c *Client) Enabled() bool { return c.cfg.SearchEnabled() }

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Results []struct {
		Title      string  `json:"title"`
		URL        string  `json:"url"`
		Content    string  `json:"content"`
		Snippet    string  `json:"snippet"`
		RawContent string  `json:"raw_content"`
		Score      float64 `json:"score"`
	} `json:"results"`
}

// Search queries the provider for up to maxResults hits. Hits without a URL
// are dropped.
func (c *Client) Search(ctx domain.Context, query string, maxResults int) ([]domain.ResearchResult, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%w: TAVILY_API_KEY missing", domain.ErrInvalidArgument)
	}
	if maxResults <= 0 {
		maxResults = c.cfg.ResearchMaxResults
	}

	body, _ := json.Marshal(searchRequest{
		APIKey:        c.cfg.TavilyAPIKey,
		Query:         query,
		SearchDepth:   "basic",
		MaxResults:    maxResults,
		IncludeAnswer: false,
	})

	callCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.TavilyBaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			observability.SearchRequestsTotal.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("%w: search provider", domain.ErrTimeout)
		}
		observability.SearchRequestsTotal.WithLabelValues("network").Inc()
		return nil, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.SearchRequestsTotal.WithLabelValues("network").Inc()
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		observability.SearchRequestsTotal.WithLabelValues("remote_error").Inc()
		return nil, fmt.Errorf("%w: search status %d: %s", domain.ErrRemote, resp.StatusCode, snippet)
	}

	var out searchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		observability.SearchRequestsTotal.WithLabelValues("remote_error").Inc()
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrRemote, err)
	}

	results := make([]domain.ResearchResult, 0, len(out.Results))
	for _, r := range out.Results {
		if r.URL == "" {
			continue
		}
		snippet := r.Content
		if snippet == "" {
			snippet = r.Snippet
		}
		if snippet == "" {
			snippet = r.RawContent
		}
		results = append(results, domain.ResearchResult{
			Title:          r.Title,
			URL:            r.URL,
			Snippet:        snippet,
			SourceDomain:   domainOf(r.URL),
			RelevanceScore: r.Score,
		})
	}

	observability.SearchRequestsTotal.WithLabelValues("ok").Inc()
	slog.Debug("web search completed",
		slog.String("query", query),
		slog.Int("results", len(results)))
	return results, nil
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
