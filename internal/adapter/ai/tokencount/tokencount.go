// Package tokencount provides token counting for judge prompt accounting.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library. The
// counts feed logs and metrics only; they never alter prompt content.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting for LLM models.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base covers GPT-4, GPT-3.5-turbo, and approximates most
		// modern models well enough for accounting purposes.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName converts gateway model IDs to tiktoken-compatible names.
// Gateway IDs carry provider prefixes ("openai/gpt-4o") and variant suffixes
// (":free") that tiktoken does not know about.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// cl100k_base via gpt-4 is a reasonable approximation for Claude,
		// Gemini, Llama, Mistral and friends.
		return "gpt-4"
	}
}

// CountTokens counts the number of tokens in text for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountChatTokens counts tokens for a system+user chat request including the
// per-message overhead used by OpenAI-compatible APIs.
func (c *Counter) CountChatTokens(systemPrompt, userPrompt, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}

	// 3 tokens per message plus 1 for the role, plus 3 priming tokens for
	// the assistant reply.
	numTokens := 0
	for _, part := range []struct{ role, content string }{
		{"system", systemPrompt},
		{"user", userPrompt},
	} {
		numTokens += 3
		numTokens += len(enc.Encode(part.role, nil, nil))
		numTokens += len(enc.Encode(part.content, nil, nil))
		numTokens++
	}
	numTokens += 3
	return numTokens, nil
}

// CountChatTokensDefault uses the default counter. On failure it falls back
// to a rough 4-chars-per-token estimate rather than reporting an error.
func CountChatTokensDefault(systemPrompt, userPrompt, model string) int {
	n, err := DefaultCounter.CountChatTokens(systemPrompt, userPrompt, model)
	if err != nil {
		slog.Warn("token count failed, using estimate",
			slog.String("model", model),
			slog.Any("error", err))
		return (len(systemPrompt) + len(userPrompt)) / 4
	}
	return n
}
