package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseRetryAfterSeconds(t *testing.T) {
	if got := parseRetryAfter("5"); got != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(10 * time.Second).UTC()
	got := parseRetryAfter(future.Format(http.TimeFormat))
	if got <= 0 || got > 11*time.Second {
		t.Fatalf("expected a positive delay close to 10s, got %v", got)
	}
}

func TestParseRetryAfterMalformedIsZero(t *testing.T) {
	if got := parseRetryAfter("not-a-duration"); got != 0 {
		t.Fatalf("expected 0 for malformed header, got %v", got)
	}
}

func TestOllamaProviderPopulatesRetryAfterOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model", time.Second)
	_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected an error from a 429 response")
	}
	pe, ok := err.(*providerError)
	if !ok {
		t.Fatalf("expected a *providerError, got %T", err)
	}
	if pe.RetryAfter != 2*time.Second {
		t.Fatalf("expected RetryAfter of 2s, got %v", pe.RetryAfter)
	}
}
