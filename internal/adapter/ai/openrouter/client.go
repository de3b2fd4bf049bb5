// Package openrouter implements the model client against the OpenRouter
// chat-completions gateway.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/promptfuse/promptfuse/internal/adapter/observability"
	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/domain"
)

// Client implements domain.ModelClient over a single shared keep-alive pool.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a client with a bounded per-host connection pool. All calls
// share the pool; per-call deadlines come from the caller, not the client.
func New(cfg config.Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		MaxConnsPerHost:     16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Transport: otelhttp.NewTransport(transport)},
	}
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.cfg.OpenRouterAPIKey)
	r.Header.Set("Content-Type", "application/json")
	if c.cfg.OpenRouterReferer != "" {
		r.Header.Set("HTTP-Referer", c.cfg.OpenRouterReferer)
	}
	r.Header.Set("X-Title", c.cfg.OpenRouterTitle)
}

// CallModel performs a single chat-completions call with a per-call deadline.
// Failures map onto the domain taxonomy: ErrTimeout, ErrRemote, ErrNetwork,
// ErrEmptyResponse.
func (c *Client) CallModel(ctx domain.Context, modelID string, messages []domain.Message, timeout time.Duration, opts domain.CallOptions) (domain.ModelReply, error) {
	if c.cfg.OpenRouterAPIKey == "" {
		return domain.ModelReply{}, fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}
	if len(messages) == 0 {
		return domain.ModelReply{}, fmt.Errorf("%w: messages required", domain.ErrInvalidArgument)
	}

	body, _ := json.Marshal(chatRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.OpenRouterBaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.ModelReply{}, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	c.setHeaders(req)

	resp, err := c.hc.Do(req)
	latency := time.Since(start)
	observability.ModelCallDuration.WithLabelValues("chat").Observe(latency.Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			observability.ModelCallsTotal.WithLabelValues("chat", "timeout").Inc()
			return domain.ModelReply{}, fmt.Errorf("%w: model %s after %s", domain.ErrTimeout, modelID, timeout)
		}
		observability.ModelCallsTotal.WithLabelValues("chat", "network").Inc()
		return domain.ModelReply{}, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.ModelCallsTotal.WithLabelValues("chat", "network").Inc()
		return domain.ModelReply{}, fmt.Errorf("%w: read body: %v", domain.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		slog.Warn("model gateway non-2xx",
			slog.String("model", modelID),
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", snippet))
		observability.ModelCallsTotal.WithLabelValues("chat", "remote_error").Inc()
		return domain.ModelReply{}, fmt.Errorf("%w: status %d: %s", domain.ErrRemote, resp.StatusCode, snippet)
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		observability.ModelCallsTotal.WithLabelValues("chat", "remote_error").Inc()
		return domain.ModelReply{}, fmt.Errorf("%w: decode: %v", domain.ErrRemote, err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		observability.ModelCallsTotal.WithLabelValues("chat", "empty").Inc()
		return domain.ModelReply{}, fmt.Errorf("%w: model %s", domain.ErrEmptyResponse, modelID)
	}

	observability.ModelCallsTotal.WithLabelValues("chat", "ok").Inc()
	return domain.ModelReply{Answer: out.Choices[0].Message.Content, LatencyMs: latency.Milliseconds()}, nil
}

// CheckGateway probes the gateway's model listing endpoint. Used by the
// readiness handler; a non-2xx or transport failure means not ready.
func (c *Client) CheckGateway(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, c.cfg.OpenRouterBaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	c.setHeaders(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: gateway status %d", domain.ErrRemote, resp.StatusCode)
	}
	return nil
}

// linearBackOff yields 1s, 2s, 3s, ... between attempts.
type linearBackOff struct {
	attempt int
	step    time.Duration
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.step
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// CallModelWithRetry wraps CallModel with the retry policy: a timeout is a
// hard signal that the upstream is slow and is never retried; other failures
// retry up to maxRetries with a linear backoff. Each attempt gets the full
// timeout budget.
func (c *Client) CallModelWithRetry(ctx domain.Context, modelID string, messages []domain.Message, timeout time.Duration, opts domain.CallOptions, maxRetries int) (domain.ModelReply, error) {
	var reply domain.ModelReply
	attempt := 0
	op := func() error {
		attempt++
		r, err := c.CallModel(ctx, modelID, messages, timeout, opts)
		if err != nil {
			if errors.Is(err, domain.ErrTimeout) || errors.Is(err, domain.ErrInvalidArgument) {
				return backoff.Permanent(err)
			}
			slog.Debug("model call attempt failed",
				slog.String("model", modelID),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			return err
		}
		reply = r
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: time.Second}, uint64(maxRetries)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return domain.ModelReply{}, perm.Err
		}
		return domain.ModelReply{}, err
	}
	return reply, nil
}
