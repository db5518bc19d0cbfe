package provider

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAI calls the OpenAI chat completions API.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// OpenAIOpts holds parameters for creating an OpenAI provider.
type OpenAIOpts struct {
	APIKey    string
	Model     string
	BaseURL   string // e.g. an Azure or proxy endpoint ending in /v1
	MaxTokens int
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(opts OpenAIOpts) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("provider: openai api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	o := &OpenAI{
		client:    openai.NewClientWithConfig(cfg),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
	}
	if o.model == "" {
		o.model = defaultOpenAIModel
	}
	if o.maxTokens <= 0 {
		o.maxTokens = defaultMaxTokens
	}
	return o, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return "openai" }

// Analyze requests a JSON-mode completion and parses the structured insight.
func (o *OpenAI) Analyze(ctx context.Context, req Request) (*Result, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		MaxTokens:   o.maxTokens,
		Temperature: 0.3,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(req.Role)},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &ExternalCallError{
				Provider:   o.Name(),
				Role:       req.Role,
				StatusCode: apiErr.HTTPStatusCode,
				Retryable:  retryableStatus(apiErr.HTTPStatusCode),
				Err:        err,
			}
		}
		return nil, &ExternalCallError{Provider: o.Name(), Role: req.Role, Retryable: true, Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &ExternalCallError{Provider: o.Name(), Role: req.Role, Retryable: true, Err: fmt.Errorf("empty completion")}
	}

	insight, err := ParseInsight(req.Role, resp.Choices[0].Message.Content)
	if err != nil {
		return nil, &ExternalCallError{Provider: o.Name(), Role: req.Role, Retryable: true, Err: err}
	}

	model := resp.Model
	if model == "" {
		model = o.model
	}
	insight.Model = model
	return &Result{
		Insight: insight,
		Usage: Usage{
			Model:        model,
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}
