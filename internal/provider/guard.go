package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardOpts configures rate limiting and circuit breaking around a provider.
type GuardOpts struct {
	RatePerSecond    float64       // 0 disables rate limiting
	Burst            int           // defaults to 1 when rate limiting
	FailureThreshold uint32        // consecutive failures that open the breaker; default 5
	OpenTimeout      time.Duration // how long the breaker stays open; default 30s
	OnStateChange    func(name string, from, to gobreaker.State)
}

// Guard wraps a Provider with a token-bucket rate limiter and a circuit
// breaker. Calls rejected by an open breaker fail without retry.
type Guard struct {
	next    Provider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuard wraps next.
func NewGuard(next Provider, opts GuardOpts) *Guard {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	threshold := opts.FailureThreshold

	g := &Guard{next: next}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about provider health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: opts.OnStateChange,
	})
	return g
}

// Name returns the wrapped provider's name.
func (g *Guard) Name() string { return g.next.Name() }

// State returns the breaker state ("closed", "half-open" or "open").
func (g *Guard) State() string { return g.breaker.State().String() }

// Analyze waits for a rate-limit token then calls through the breaker.
func (g *Guard) Analyze(ctx context.Context, req Request) (*Result, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &ExternalCallError{Provider: g.Name(), Role: req.Role, Retryable: true, Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.next.Analyze(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ExternalCallError{Provider: g.Name(), Role: req.Role, Retryable: false, Err: err}
		}
		var ext *ExternalCallError
		if errors.As(err, &ext) {
			return nil, err
		}
		return nil, &ExternalCallError{Provider: g.Name(), Role: req.Role, Retryable: true, Err: err}
	}
	return out.(*Result), nil
}
