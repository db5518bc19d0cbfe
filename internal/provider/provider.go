// Package provider calls external AI models for role analysis and supplies
// the deterministic fallback used when those calls keep failing.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zulandar/roundtable/internal/session"
)

// Provider produces one role's insight for a request.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// Request is the input for one role analysis.
type Request struct {
	Role     session.Role
	Query    string
	Context  session.Context
	Priority session.Priority
}

// Usage reports token consumption for a single call.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Cost returns the estimated USD cost of the call.
func (u Usage) Cost() float64 {
	return EstimateCost(u.Model, u.InputTokens, u.OutputTokens)
}

// Result is a parsed insight plus the usage that produced it.
type Result struct {
	Insight *session.Insight
	Usage   Usage
}

// ExternalCallError wraps a failed call to an external model.
type ExternalCallError struct {
	Provider   string
	Role       session.Role
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ExternalCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Provider, e.Role, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Role, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt. Errors that are
// not ExternalCallErrors are treated as retryable.
func IsRetryable(err error) bool {
	var ext *ExternalCallError
	if errors.As(err, &ext) {
		return ext.Retryable
	}
	return true
}

// retryableStatus reports whether an HTTP status from a model API is transient.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Config selects and configures a Provider.
type Config struct {
	Name      string // "anthropic", "openai" or "heuristic"
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// New builds the Provider named in cfg.
func New(cfg Config) (Provider, error) {
	switch cfg.Name {
	case "anthropic":
		return NewAnthropic(AnthropicOpts{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
		})
	case "openai":
		return NewOpenAI(OpenAIOpts{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
		})
	case "heuristic", "":
		return Heuristic{}, nil
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", cfg.Name)
	}
}
