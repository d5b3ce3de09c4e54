package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Provider is the transport-level contract a backend must satisfy. Exactly
// one Provider is active at a time, selected by configuration (§4.7).
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionRequest is the provider-agnostic request shape.
type CompletionRequest struct {
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
}

// providerError carries the HTTP status so the retry layer can classify it
// without string-matching the message.
type providerError struct {
	StatusCode int
	RetryAfter time.Duration
	msg        string
}

func (e *providerError) Error() string { return e.msg }

// OllamaProvider talks to a local Ollama-compatible HTTP server, continuing
// this codebase's prior inference.Client transport (the same /api/generate
// request/response shape) but as a single Provider call rather than a
// streaming channel API — streaming is a protocol-layer concern out of this
// repository's scope (§1).
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaProvider(baseURL, model string, timeout time.Duration) *OllamaProvider {
	return &OllamaProvider{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	System      string         `json:"system,omitempty"`
	Stream      bool           `json:"stream"`
	Temperature float64        `json:"temperature,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (p *OllamaProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:       p.model,
		Prompt:      req.Prompt,
		System:      req.System,
		Stream:      false,
		Temperature: req.Temperature,
		Options:     map[string]any{"num_predict": req.MaxTokens},
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", &providerError{msg: "transport error"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return "", &providerError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			msg:        "provider returned non-200 status",
		}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &providerError{msg: "malformed provider response"}
	}
	return out.Response, nil
}

// parseRetryAfter parses an HTTP Retry-After header, which per RFC 9110 is
// either a delay in seconds or an HTTP-date. An unparseable or absent header
// yields zero, meaning "no provider-signaled delay."
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// isRetryable classifies an error per §4.7: network errors, 5xx, and 429 are
// retryable; other 4xx and auth failures are not.
func isRetryable(err error) bool {
	pe, ok := err.(*providerError)
	if !ok {
		return true // transport-level error with no status: treat as network failure
	}
	if pe.StatusCode == 0 {
		return true
	}
	if pe.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return pe.StatusCode >= 500
}
