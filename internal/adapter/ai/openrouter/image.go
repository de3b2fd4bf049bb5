package openrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/promptfuse/promptfuse/internal/adapter/observability"
	"github.com/promptfuse/promptfuse/internal/domain"
)

// imageEnvelope captures every response shape the gateway is known to emit
// for image models. Content is raw because it may be a string or an object.
type imageEnvelope struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	URL   string `json:"url"`
	Image string `json:"image"`
}

type contentObject struct {
	URL   string `json:"url"`
	Image string `json:"image"`
}

// GenerateImage asks the configured image model for one image and probes the
// known response shapes in order, yielding the first non-empty result.
func (c *Client) GenerateImage(ctx domain.Context, prompt string) (domain.ImageResult, error) {
	if c.cfg.OpenRouterAPIKey == "" {
		return domain.ImageResult{}, fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(prompt) == "" {
		return domain.ImageResult{}, fmt.Errorf("%w: prompt required", domain.ErrInvalidArgument)
	}

	body, _ := json.Marshal(map[string]any{
		"model": c.cfg.ImageModel,
		"messages": []domain.Message{
			{Role: domain.RoleUser, Content: prompt},
		},
	})

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.OpenRouterBaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.ImageResult{}, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	c.setHeaders(req)

	resp, err := c.hc.Do(req)
	observability.ModelCallDuration.WithLabelValues("image").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			observability.ModelCallsTotal.WithLabelValues("image", "timeout").Inc()
			return domain.ImageResult{}, fmt.Errorf("%w: image model", domain.ErrTimeout)
		}
		observability.ModelCallsTotal.WithLabelValues("image", "network").Inc()
		return domain.ImageResult{}, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.ModelCallsTotal.WithLabelValues("image", "network").Inc()
		return domain.ImageResult{}, fmt.Errorf("%w: read body: %v", domain.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		observability.ModelCallsTotal.WithLabelValues("image", "remote_error").Inc()
		return domain.ImageResult{}, fmt.Errorf("%w: status %d: %s", domain.ErrRemote, resp.StatusCode, snippet)
	}

	res, err := decodeImageResponse(respBody)
	if err != nil {
		observability.ModelCallsTotal.WithLabelValues("image", "unsupported").Inc()
		return domain.ImageResult{}, err
	}
	observability.ModelCallsTotal.WithLabelValues("image", "ok").Inc()
	return res, nil
}

// decodeImageResponse runs the ordered list of candidate extractors and
// returns the first match.
func decodeImageResponse(raw []byte) (domain.ImageResult, error) {
	var env imageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.ImageResult{}, fmt.Errorf("%w: decode: %v", domain.ErrRemote, err)
	}

	// Chat-style: choices[0].message.content as a bare string.
	if len(env.Choices) > 0 && len(env.Choices[0].Message.Content) > 0 {
		content := env.Choices[0].Message.Content
		var s string
		if err := json.Unmarshal(content, &s); err == nil && s != "" {
			return classifyImageString(s), nil
		}
		// Structured object: content.url or content.image.
		var obj contentObject
		if err := json.Unmarshal(content, &obj); err == nil {
			if obj.URL != "" {
				return domain.ImageResult{URL: obj.URL}, nil
			}
			if obj.Image != "" {
				return classifyImageString(obj.Image), nil
			}
		}
	}

	// Top-level data array.
	if len(env.Data) > 0 {
		if env.Data[0].URL != "" {
			return domain.ImageResult{URL: env.Data[0].URL}, nil
		}
		if env.Data[0].B64JSON != "" {
			return domain.ImageResult{B64DataURI: wrapBase64(env.Data[0].B64JSON)}, nil
		}
	}

	// Top-level url / image fields.
	if env.URL != "" {
		return domain.ImageResult{URL: env.URL}, nil
	}
	if env.Image != "" {
		return classifyImageString(env.Image), nil
	}

	return domain.ImageResult{}, domain.ErrUnsupportedImage
}

func classifyImageString(s string) domain.ImageResult {
	if strings.HasPrefix(s, "data:") {
		return domain.ImageResult{B64DataURI: s}
	}
	return domain.ImageResult{URL: s}
}

// wrapBase64 turns a bare base64 payload into a data URI, sniffing the image
// MIME from the decoded bytes. Undecodable payloads fall back to image/png.
func wrapBase64(b64 string) string {
	mime := "image/png"
	if decoded, err := base64.StdEncoding.DecodeString(b64); err == nil && len(decoded) > 0 {
		if mt := mimetype.Detect(decoded); strings.HasPrefix(mt.String(), "image/") {
			mime = mt.String()
		}
	}
	return "data:" + mime + ";base64," + b64
}
