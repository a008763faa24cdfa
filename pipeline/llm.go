package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/sashabaranov/go-openai"
)

// llmCallTimeout bounds a single chat-completion round trip. The per-turn
// pipeline budget is enforced separately by the caller's context.
const llmCallTimeout = 90 * time.Second

// LLMConfig configures the chat-completion transport. Any OpenAI-compatible
// endpoint works; the base URL points at the provider's /v1 root.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Validate reports missing required fields.
func (c *LLMConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("llm: base URL is required")
	}
	if c.Model == "" {
		return fmt.Errorf("llm: model is required")
	}
	return nil
}

// LLMClient is the single-shot JSON chat-completion transport the pipeline
// steps share. Implementations never retry; the queue layer owns redelivery.
type LLMClient interface {
	// CompleteJSON runs one chat completion and returns the decoded JSON
	// object from the first choice plus total token usage. When strict is
	// true the content must parse as a top-level JSON object; otherwise the
	// tolerant extractor is applied before giving up.
	CompleteJSON(ctx context.Context, msgs []openai.ChatCompletionMessage, schema *openai.ChatCompletionResponseFormatJSONSchema, temperature float32, maxTokens int, step string, strict bool) (map[string]any, int, error)
}

type llmClient struct {
	client *openai.Client
	model  string
}

// NewLLMClient builds the transport against an OpenAI-compatible endpoint.
func NewLLMClient(cfg *LLMConfig) (LLMClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	clientConfig.HTTPClient = newHTTPClient()
	return &llmClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}, nil
}

func (c *llmClient) CompleteJSON(ctx context.Context, msgs []openai.ChatCompletionMessage, schema *openai.ChatCompletionResponseFormatJSONSchema, temperature float32, maxTokens int, step string, strict bool) (map[string]any, int, error) {
	ctx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: temperature,
	}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}
	if schema != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type:       openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: schema,
		}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("llm: chat completion failed", "step", step, "error", err)
		return nil, 0, fmt.Errorf("%s: chat completion: %w", step, err)
	}
	if len(resp.Choices) == 0 {
		return nil, resp.Usage.TotalTokens, fmt.Errorf("%s: empty response", step)
	}

	content := resp.Choices[0].Message.Content
	slog.Debug("llm: chat completion",
		"step", step,
		"model", c.model,
		"total_tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err == nil {
		return parsed, resp.Usage.TotalTokens, nil
	} else if strict {
		return nil, resp.Usage.TotalTokens, fmt.Errorf("%s: parse response: %w", step, err)
	}
	if extracted := ExtractJSON(content); extracted != nil {
		return extracted, resp.Usage.TotalTokens, nil
	}
	return nil, resp.Usage.TotalTokens, fmt.Errorf("%s: could not parse JSON from response", step)
}

var (
	braceBlockRe = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
	fencedJSONRe = regexp.MustCompile("```(?:json)?\\s*(\\{[\\s\\S]*?\\})\\s*```")
)

// ExtractJSON pulls the first JSON object out of free-form model output. It
// tries a direct parse, then the first balanced brace block, then a fenced
// ```json code block. Returns nil when nothing parses.
func ExtractJSON(text string) map[string]any {
	if text == "" {
		return nil
	}
	var direct map[string]any
	if json.Unmarshal([]byte(text), &direct) == nil {
		return direct
	}
	if m := braceBlockRe.FindString(text); m != "" {
		var parsed map[string]any
		if json.Unmarshal([]byte(m), &parsed) == nil {
			return parsed
		}
	}
	if m := fencedJSONRe.FindStringSubmatch(text); len(m) > 1 {
		var parsed map[string]any
		if json.Unmarshal([]byte(m[1]), &parsed) == nil {
			return parsed
		}
	}
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: llmCallTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
