package tavily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/domain"
)

func testClient(baseURL string) *Client {
	return New(config.Config{
		TavilyAPIKey:       "tvly-test",
		TavilyBaseURL:      baseURL,
		ResearchMaxResults: 8,
	})
}

func TestSearch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tvly-test", req.APIKey)
		assert.Equal(t, "basic", req.SearchDepth)
		assert.Equal(t, 3, req.MaxResults)
		assert.False(t, req.IncludeAnswer)

		_, _ = w.Write([]byte(`{"results":[
			{"title":"A","url":"https://a.example.com/page","content":"about a","score":0.9},
			{"title":"B","url":"https://b.example.com/page","snippet":"about b"},
			{"title":"no url","content":"dropped"}
		]}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	got, err := c.Search(context.Background(), "query", 3)
	require.NoError(t, err)
	require.Len(t, got, 2, "results without URLs are dropped")

	assert.Equal(t, "A", got[0].Title)
	assert.Equal(t, "about a", got[0].Snippet)
	assert.Equal(t, "a.example.com", got[0].SourceDomain)
	assert.InDelta(t, 0.9, got[0].RelevanceScore, 0.001)
	assert.Equal(t, "about b", got[1].Snippet, "snippet field is the content fallback")
}

func TestSearch_DisabledWithoutKey(t *testing.T) {
	c := New(config.Config{})
	assert.False(t, c.Enabled())
	_, err := c.Search(context.Background(), "q", 3)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSearch_RemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"detail":"rate limited"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Search(context.Background(), "q", 3)
	assert.ErrorIs(t, err, domain.ErrRemote)
}

func TestSearch_DefaultsMaxResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 8, req.MaxResults)
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	got, err := c.Search(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
