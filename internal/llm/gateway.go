// Package llm implements the LlmGateway component (C9): a provider-agnostic
// chat-completion call wrapped by a bulkhead, a rate limiter, a timeout, and a
// circuit breaker around a retrying client, composed in that order on the
// outbound path. The breaker wraps the whole retry loop, so it records one
// outcome per call rather than one per provider attempt. Every failure is also counted into a rolling error budget; once
// exhausted the gateway degrades to a typed error rather than continuing to
// hammer an unhealthy provider.
package llm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/subcog/subcog/internal/kind"
)

// CompletionOptions tunes a single completion call.
type CompletionOptions struct {
	System      string
	Temperature float64
	MaxTokens   int
}

// GatewayConfig tunes the four resilience mechanisms plus the error budget.
type GatewayConfig struct {
	BulkheadLimit int           // max concurrent in-flight calls
	BulkheadWait  time.Duration // deadline waiting for a bulkhead slot
	RateLimitRPS  float64       // per-provider rate limit, complements the bulkhead

	Timeout    time.Duration
	MaxRetries int

	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
	BreakerRatio     float64
	BreakerMinReqs   uint32
	ErrorBudgetSize  int // rolling window of recent calls tracked for the error budget
	ErrorBudgetRatio float64
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BulkheadLimit:    4,
		BulkheadWait:     2 * time.Second,
		RateLimitRPS:     2.0,
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		BreakerWindow:    10 * time.Second,
		BreakerCooldown:  30 * time.Second,
		BreakerRatio:     0.5,
		BreakerMinReqs:   3,
		ErrorBudgetSize:  20,
		ErrorBudgetRatio: 0.8,
	}
}

// Gateway is the C9 contract: Complete and CompleteJSON, resilient against a
// flaky or overloaded provider.
type Gateway struct {
	provider Provider
	cfg      GatewayConfig

	bulkhead chan struct{}
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker

	mu     sync.Mutex
	budget []bool // true = failure, ring buffer of the last ErrorBudgetSize outcomes
	bIdx   int

	log *zap.Logger
}

func NewGateway(provider Provider, cfg GatewayConfig, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		provider: provider,
		cfg:      cfg,
		bulkhead: make(chan struct{}, cfg.BulkheadLimit),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(1, int(cfg.RateLimitRPS*2))),
		log:      log,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "llm-gateway",
		Interval: cfg.BreakerWindow,
		Timeout:  cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinReqs {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("llm gateway circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return g
}

// Complete runs a single completion through bulkhead -> rate limiter ->
// timeout -> circuit breaker -> retry, in that order on the outbound path.
func (g *Gateway) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	if g.budgetExhausted() {
		return "", kind.New(kind.BudgetExhausted, "llm.Gateway.Complete", "error budget exhausted")
	}

	release, err := g.acquireBulkhead(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if err := g.limiter.Wait(ctx); err != nil {
		return "", kind.Wrap(err, kind.Cancelled, "llm.Gateway.Complete")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.retryingCall(callCtx, prompt, opts)
	})
	g.recordOutcome(err != nil)

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", kind.Wrap(err, kind.LlmUnavailable, "llm.Gateway.Complete")
		}
		return "", classifyError(err, "llm.Gateway.Complete")
	}
	return out.(string), nil
}

// CompleteJSON requests a completion and unmarshals the response into v,
// sanitizing provider text before it ever reaches a diagnostic: parse errors
// never echo the raw body, only a fixed message.
func (g *Gateway) CompleteJSON(ctx context.Context, prompt string, schemaHint string, v interface{}) error {
	full := prompt
	if schemaHint != "" {
		full = prompt + "\n\nRespond with JSON matching this shape:\n" + schemaHint
	}
	text, err := g.Complete(ctx, full, CompletionOptions{})
	if err != nil {
		return err
	}
	cleaned := stripJSONFence(text)
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return kind.New(kind.InvalidInput, "llm.Gateway.CompleteJSON", "provider response was not valid JSON")
	}
	return nil
}

// acquireBulkhead blocks for at most BulkheadWait waiting for a concurrency
// slot; beyond that it fails fast with a typed wait-deadline error distinct
// from a generic timeout (§8 "Bulkhead rejects ... with a typed wait-deadline
// error, not a generic timeout").
func (g *Gateway) acquireBulkhead(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.BulkheadWait)
	defer cancel()
	select {
	case g.bulkhead <- struct{}{}:
		return func() { <-g.bulkhead }, nil
	case <-waitCtx.Done():
		return nil, kind.New(kind.Timeout, "llm.Gateway.acquireBulkhead", "bulkhead wait-deadline exceeded")
	}
}

// retryingCall retries retryable errors with exponential backoff and jitter,
// honoring a provider-signaled Retry-After when present. Non-retryable
// errors (4xx other than 429, auth) fail on the first attempt.
func (g *Gateway) retryingCall(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(g.cfg.MaxRetries)), ctx)

	var result string
	op := func() error {
		text, err := g.provider.Complete(ctx, CompletionRequest{
			Prompt:      prompt,
			System:      opts.System,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		})
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			if pe, ok := err.(*providerError); ok && pe.RetryAfter > 0 {
				time.Sleep(pe.RetryAfter)
			}
			return err
		}
		result = text
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return result, nil
}

// recordOutcome feeds the rolling error budget a ring buffer entry.
func (g *Gateway) recordOutcome(failed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.budget) < g.cfg.ErrorBudgetSize {
		g.budget = append(g.budget, failed)
	} else {
		g.budget[g.bIdx] = failed
		g.bIdx = (g.bIdx + 1) % g.cfg.ErrorBudgetSize
	}
}

func (g *Gateway) budgetExhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.budget) < g.cfg.ErrorBudgetSize {
		return false
	}
	failures := 0
	for _, f := range g.budget {
		if f {
			failures++
		}
	}
	return float64(failures)/float64(len(g.budget)) >= g.cfg.ErrorBudgetRatio
}

func classifyError(err error, op string) error {
	if err == context.DeadlineExceeded {
		return kind.Wrap(err, kind.Timeout, op)
	}
	if err == context.Canceled {
		return kind.Wrap(err, kind.Cancelled, op)
	}
	return kind.Wrap(err, kind.LlmUnavailable, op)
}

func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
