package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// Endpoint describes one OpenAI-compatible chat completions backend.
type Endpoint struct {
	ID     string
	URL    string
	APIKey string
	Model  string
	// Prices per million tokens, used to compute Result.Cost.
	InputPricePerMTok  float64
	OutputPricePerMTok float64
	// RequestsPerSecond paces calls to this endpoint; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	http      *http.Client
	endpoints map[string]Endpoint
	limiters  map[string]*rate.Limiter
	logger    *slog.Logger
}

func NewHTTPClient(endpoints []Endpoint) *HTTPClient {
	c := &HTTPClient{
		http:      &http.Client{},
		endpoints: make(map[string]Endpoint, len(endpoints)),
		limiters:  make(map[string]*rate.Limiter),
		logger:    slog.Default().With("component", "provider_http"),
	}
	for _, ep := range endpoints {
		c.endpoints[ep.ID] = ep
		if ep.RequestsPerSecond > 0 {
			burst := ep.Burst
			if burst <= 0 {
				burst = 1
			}
			c.limiters[ep.ID] = rate.NewLimiter(rate.Limit(ep.RequestsPerSecond), burst)
		}
	}
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Seed        int64     `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Call posts req to the endpoint registered as providerID.
func (c *HTTPClient) Call(ctx context.Context, providerID string, req Request, timeout time.Duration) (*Result, error) {
	ep, ok := c.endpoints[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrCallFailed, providerID)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()

	if lim := c.limiters[providerID]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, Classify(providerID, err)
		}
	}

	body := chatRequest{Model: ep.Model, Messages: req.Messages}
	if req.Model != "" {
		body.Model = req.Model
	}
	if o := req.Options; o != nil {
		body.Temperature, body.TopP, body.MaxTokens, body.Seed = o.Temperature, o.TopP, o.MaxTokens, o.Seed
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrCallFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrCallFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, Classify(providerID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s: status %d: %s", ErrCallFailed, providerID, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Classify(providerID, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s: empty choices in response", ErrCallFailed, providerID)
	}

	usage := Usage{InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens}
	res := &Result{
		Provider: providerID,
		Content:  out.Choices[0].Message.Content,
		Usage:    usage,
		Cost: (float64(usage.InputTokens)*ep.InputPricePerMTok +
			float64(usage.OutputTokens)*ep.OutputPricePerMTok) / 1e6,
		Latency: time.Since(start),
	}
	c.logger.DebugContext(ctx, "provider call complete", "provider", providerID,
		"latency_ms", res.Latency.Milliseconds(), "input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)
	return res, nil
}
