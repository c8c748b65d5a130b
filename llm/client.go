package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"ragdesk_back/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const defaultBaseURL = "https://api.groq.com/openai/v1"

// ChatMessage represents a single turn in a chat conversation payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries the per-call overrides. Zero values fall back to the
// client defaults; the shared client is never mutated.
type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// ChatUsage captures token usage metrics returned by the provider.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the normalized reply, whatever shape the provider used.
type ChatResult struct {
	Content      string
	Model        string
	FinishReason string
	Usage        *ChatUsage
}

// Chatter is the narrow interface the query engine depends on.
type Chatter interface {
	Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatResult, error)
}

// ChatClient talks to any OpenAI compatible chat completions API. Only the
// underlying connection pool and the limiter are shared between calls.
type ChatClient struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	limiter     *rate.Limiter
	catalog     *Catalog
}

var _ Chatter = (*ChatClient)(nil)

// NewChatClient builds a client from the llm config section.
func NewChatClient(cfg config.LLMConfig, catalog *Catalog) (*ChatClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("llm: invalid base URL %q", baseURL)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("llm: model is required")
	}

	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	clientCfg.BaseURL = baseURL

	c := &ChatClient{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		catalog:     catalog,
	}
	if cfg.RequestsPerMinute > 0 {
		perSecond := float64(cfg.RequestsPerMinute) / 60
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return c, nil
}

// DefaultModel returns the model used when a call does not override it.
func (c *ChatClient) DefaultModel() string {
	return c.model
}

// Catalog returns the model catalog the client validates overrides against.
func (c *ChatClient) Catalog() *Catalog {
	return c.catalog
}

// resolve merges opts over the client defaults into a request scoped set.
func (c *ChatClient) resolve(opts ChatOptions) (string, float64, int) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = c.model
	} else if c.catalog != nil {
		model = c.catalog.Resolve(model, c.model)
	}
	temperature := c.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	return model, temperature, maxTokens
}

// Chat sends the conversation and returns the first assistant reply. Errors
// from the provider are returned as is; callers own any fallback.
func (c *ChatClient) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatResult, error) {
	if c == nil || c.client == nil {
		return ChatResult{}, errors.New("llm: client is nil")
	}
	if len(messages) == 0 {
		return ChatResult{}, errors.New("llm: messages cannot be empty")
	}

	payload := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = RoleUser
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		payload = append(payload, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	if len(payload) == 0 {
		return ChatResult{}, errors.New("llm: messages contain no content")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return ChatResult{}, fmt.Errorf("llm: rate limit wait: %w", err)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	model, temperature, maxTokens := c.resolve(opts)
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    payload,
		MaxTokens:   maxTokens,
		Temperature: wireTemperature(temperature),
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, errors.New("llm: response contains no choices")
	}

	choice := resp.Choices[0]
	return ChatResult{
		Content:      strings.TrimSpace(choice.Message.Content),
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: &ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// wireTemperature keeps an explicit 0 on the wire; the request field is
// omitempty, so a literal zero would be dropped and the provider default used.
func wireTemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

// Complete wraps a single prompt with a generic system message.
func (c *ChatClient) Complete(ctx context.Context, prompt string) (ChatResult, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return ChatResult{}, errors.New("llm: prompt cannot be empty")
	}
	return c.Chat(ctx, []ChatMessage{
		{Role: RoleSystem, Content: "You are a helpful assistant."},
		{Role: RoleUser, Content: trimmed},
	}, ChatOptions{})
}

// Float64 returns a pointer to v, for ChatOptions.Temperature.
func Float64(v float64) *float64 {
	return &v
}
