package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/concierge-ai/concierge/internal/metrics"
)

// Config holds configuration for the OpenAI-compatible backend.
type Config struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// OpenAIClient calls any OpenAI-compatible completion endpoint. A custom
// BaseURL covers proxied and self-hosted models.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewOpenAIClient creates a backend client from config.
func NewOpenAIClient(cfg Config, logger *zap.Logger) *OpenAIClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	return &OpenAIClient{
		client:  &client,
		model:   cfg.Model,
		limiter: limiter,
		logger:  logger,
	}
}

// Complete sends a structured prompt and returns the completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("backend rate limit wait: %w", err)
		}
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.BackendRequests.WithLabelValues("error").Inc()
		return Response{}, fmt.Errorf("backend completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		metrics.BackendRequests.WithLabelValues("empty").Inc()
		return Response{}, fmt.Errorf("backend returned no choices")
	}

	tokens := int(completion.Usage.TotalTokens)
	metrics.BackendRequests.WithLabelValues("ok").Inc()
	metrics.BackendTokensUsed.Observe(float64(tokens))

	c.logger.Debug("Backend completion",
		zap.String("model", c.model),
		zap.Int("tokens", tokens),
		zap.Duration("duration", time.Since(start)),
	)

	return Response{
		Content:    completion.Choices[0].Message.Content,
		TokensUsed: tokens,
	}, nil
}
