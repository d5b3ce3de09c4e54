package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/subcog/subcog/internal/kind"
)

// fakeProvider scripts a sequence of outcomes: a nil error succeeds with the
// given text, a non-nil error is returned as-is (wrap in *providerError to
// control retryability).
type fakeProvider struct {
	mu       sync.Mutex
	outcomes []outcome
	calls    int
	delay    time.Duration
}

type outcome struct {
	text string
	err  error
}

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if i >= len(f.outcomes) {
		o := f.outcomes[len(f.outcomes)-1]
		return o.text, o.err
	}
	o := f.outcomes[i]
	return o.text, o.err
}

func permissiveConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.BulkheadLimit = 4
	cfg.BulkheadWait = time.Second
	cfg.RateLimitRPS = 1000
	cfg.Timeout = 2 * time.Second
	cfg.MaxRetries = 3
	cfg.BreakerMinReqs = 1000 // effectively disabled for tests not targeting it
	cfg.BreakerRatio = 0.99
	cfg.ErrorBudgetSize = 1000
	cfg.ErrorBudgetRatio = 0.99
	return cfg
}

func TestGatewayCompleteSucceeds(t *testing.T) {
	p := &fakeProvider{outcomes: []outcome{{text: "hello"}}}
	g := NewGateway(p, permissiveConfig(), nil)

	out, err := g.Complete(context.Background(), "prompt", CompletionOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello" {
		t.Fatalf("expected 'hello', got %q", out)
	}
}

func TestGatewayRetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{outcomes: []outcome{
		{err: &providerError{StatusCode: 500, msg: "transient"}},
		{err: &providerError{StatusCode: 500, msg: "transient"}},
		{text: "recovered"},
	}}
	g := NewGateway(p, permissiveConfig(), nil)

	out, err := g.Complete(context.Background(), "prompt", CompletionOptions{})
	if err != nil {
		t.Fatalf("expected eventual success after retries, got: %v", err)
	}
	if out != "recovered" {
		t.Fatalf("expected 'recovered', got %q", out)
	}
}

func TestGatewayDoesNotRetryNonRetryableError(t *testing.T) {
	p := &fakeProvider{outcomes: []outcome{
		{err: &providerError{StatusCode: 400, msg: "bad request"}},
		{text: "should not be reached"},
	}}
	g := NewGateway(p, permissiveConfig(), nil)

	_, err := g.Complete(context.Background(), "prompt", CompletionOptions{})
	if err == nil {
		t.Fatal("expected an error for a non-retryable failure")
	}
	if p.calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable error, got %d", p.calls)
	}
}

func TestGatewayBulkheadRejectsWithTypedTimeout(t *testing.T) {
	cfg := permissiveConfig()
	cfg.BulkheadLimit = 1
	cfg.BulkheadWait = 50 * time.Millisecond
	p := &fakeProvider{outcomes: []outcome{{text: "ok"}}}
	g := NewGateway(p, cfg, nil)

	release, err := g.acquireBulkhead(context.Background())
	if err != nil {
		t.Fatalf("unexpected error acquiring the only bulkhead slot: %v", err)
	}
	defer release()

	_, err = g.acquireBulkhead(context.Background())
	if err == nil {
		t.Fatal("expected the second acquire to fail while the only slot is held")
	}
	if kind.Of(err) != kind.Timeout {
		t.Fatalf("expected a Timeout-kind error, got %v", err)
	}
}

func TestGatewayErrorBudgetExhaustion(t *testing.T) {
	cfg := permissiveConfig()
	cfg.ErrorBudgetSize = 2
	cfg.ErrorBudgetRatio = 0.5
	cfg.BreakerMinReqs = 1000 // isolate the budget behavior from the breaker
	p := &fakeProvider{outcomes: []outcome{
		{err: &providerError{StatusCode: 400, msg: "bad"}},
		{err: &providerError{StatusCode: 400, msg: "bad"}},
		{text: "should not be reached"},
	}}
	g := NewGateway(p, cfg, nil)

	for i := 0; i < 2; i++ {
		if _, err := g.Complete(context.Background(), "prompt", CompletionOptions{}); err == nil {
			t.Fatalf("call %d: expected a failure", i)
		}
	}

	_, err := g.Complete(context.Background(), "prompt", CompletionOptions{})
	if err == nil {
		t.Fatal("expected the error budget to be exhausted")
	}
	if p.calls != 2 {
		t.Fatalf("expected the third call to short-circuit before reaching the provider, got %d calls", p.calls)
	}
}

func TestCompleteJSONParsesFencedResponse(t *testing.T) {
	p := &fakeProvider{outcomes: []outcome{{text: "```json\n{\"tags_added\":[\"x\"]}\n```"}}}
	g := NewGateway(p, permissiveConfig(), nil)

	var out struct {
		TagsAdded []string `json:"tags_added"`
	}
	if err := g.CompleteJSON(context.Background(), "prompt", "", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.TagsAdded) != 1 || out.TagsAdded[0] != "x" {
		t.Fatalf("expected parsed tag 'x', got %+v", out.TagsAdded)
	}
}

func TestCompleteJSONRejectsMalformedResponse(t *testing.T) {
	p := &fakeProvider{outcomes: []outcome{{text: "not json at all"}}}
	g := NewGateway(p, permissiveConfig(), nil)

	var out map[string]any
	err := g.CompleteJSON(context.Background(), "prompt", "", &out)
	if err == nil {
		t.Fatal("expected a parse error for malformed JSON")
	}
}
