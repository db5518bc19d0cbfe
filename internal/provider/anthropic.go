package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicURL   = "https://api.anthropic.com"
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	anthropicVersion      = "2023-06-01"
	defaultMaxTokens      = 1500
)

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// AnthropicOpts holds parameters for creating an Anthropic provider.
type AnthropicOpts struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string             `json:"model"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(opts AnthropicOpts) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("provider: anthropic api key is required")
	}
	a := &Anthropic{
		apiKey:     opts.APIKey,
		model:      opts.Model,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		maxTokens:  opts.MaxTokens,
		httpClient: opts.HTTPClient,
	}
	if a.model == "" {
		a.model = defaultAnthropicModel
	}
	if a.baseURL == "" {
		a.baseURL = defaultAnthropicURL
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultMaxTokens
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return a, nil
}

// Name returns "anthropic".
func (a *Anthropic) Name() string { return "anthropic" }

// Analyze sends the role prompt and parses the structured insight.
func (a *Anthropic) Analyze(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    SystemPrompt(req.Role),
		Messages:  []anthropicMessage{{Role: "user", Content: UserPrompt(req)}},
	})
	if err != nil {
		return nil, a.fail(req, 0, false, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, a.fail(req, 0, false, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.fail(req, 0, true, fmt.Errorf("call api: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a.fail(req, 0, true, fmt.Errorf("read response: %w", err))
	}

	var apiResp anthropicResponse
	jsonErr := json.Unmarshal(data, &apiResp)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if jsonErr == nil && apiResp.Error != nil {
			msg = apiResp.Error.Type + ": " + apiResp.Error.Message
		}
		return nil, a.fail(req, resp.StatusCode, retryableStatus(resp.StatusCode), fmt.Errorf("api error: %s", msg))
	}
	if jsonErr != nil {
		return nil, a.fail(req, 0, true, fmt.Errorf("decode response: %w", jsonErr))
	}

	var text strings.Builder
	for _, c := range apiResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	insight, err := ParseInsight(req.Role, text.String())
	if err != nil {
		return nil, a.fail(req, 0, true, err)
	}

	model := apiResp.Model
	if model == "" {
		model = a.model
	}
	insight.Model = model
	return &Result{
		Insight: insight,
		Usage: Usage{
			Model:        model,
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}, nil
}

func (a *Anthropic) fail(req Request, status int, retryable bool, err error) error {
	return &ExternalCallError{Provider: a.Name(), Role: req.Role, StatusCode: status, Retryable: retryable, Err: err}
}
