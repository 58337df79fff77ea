// Package llm provides the chat-completion client used by the pipeline:
// OpenAI-compatible wire format, per-attempt deadlines, exponential-backoff
// retries, and a circuit breaker that fails fast during provider outages.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/snirego/feedbackd/pkg/config"
	"github.com/snirego/feedbackd/pkg/metrics"
	"github.com/snirego/feedbackd/pkg/transport"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Roles in the chat wire format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a chat message in the provider wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for a call, when the provider includes it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a successful chat-completion call.
type Completion struct {
	Content      string
	Model        string
	Usage        Usage
	FinishReason string
}

// Request carries per-call parameters for ChatCompletion.
type Request struct {
	Messages []Message

	// Temperature is optional; nil uses the provider default.
	Temperature *float64

	// MaxTokens limits the response length. 0 uses the provider default.
	MaxTokens int
}

// RetryConfig holds retry tuning for chat-completion attempts.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// BackoffBase is the delay before the second attempt; doubled per retry.
	BackoffBase time.Duration

	// BackoffMax caps the backoff delay.
	BackoffMax time.Duration

	// JitterFraction spreads each delay by ±fraction to avoid
	// synchronized retries across workers.
	JitterFraction float64
}

// DefaultRetryConfig returns the standard retry tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
		JitterFraction: 0.3,
	}
}

// Breaker tuning: five consecutive failures open the circuit for thirty
// seconds; the first call after cool-down is the half-open probe.
const (
	breakerFailureThreshold = 5
	breakerCooldown         = 30 * time.Second
)

// Client is the chat-completion client. Safe for concurrent use; the
// breaker state is the only mutable field and gobreaker synchronizes it.
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	retry      RetryConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryConfig overrides retry tuning.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Client) { c.retry = rc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics wires the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a chat-completion client for the configured provider.
// The HTTP transport routes mesh-suffix hosts through the family-fallback
// dialer.
func NewClient(cfg config.LLMConfig, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: transport.NewHTTPClient(cfg.MeshDomainSuffix),
		retry:      DefaultRetryConfig(),
		logger:     slog.Default(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("LLM circuit state changed", "from", from.String(), "to", to.String())
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerState returns the circuit state for readiness reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// ChatCompletion sends the conversation to the provider and returns the
// completion. Transient failures (429/502/503/504, transport errors) are
// retried with exponential backoff and jitter; every failure path surfaces
// as an UnavailableError once retries and the circuit are exhausted.
func (c *Client) ChatCompletion(ctx context.Context, req Request) (*Completion, error) {
	if len(req.Messages) == 0 {
		return nil, unavailable("empty request", errors.New("at least one message is required"))
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		start := time.Now()
		result, err := c.breaker.Execute(func() (any, error) {
			return c.doRequest(ctx, req)
		})
		duration := time.Since(start)

		if err == nil {
			completion := result.(*Completion)
			c.observeCall("ok", duration, completion.Usage)
			c.logger.Info("LLM call completed",
				"model", completion.Model,
				"duration_ms", duration.Milliseconds(),
				"prompt_tokens", completion.Usage.PromptTokens,
				"completion_tokens", completion.Usage.CompletionTokens,
				"total_tokens", completion.Usage.TotalTokens,
				"attempt", attempt)
			return completion, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.observeCall("circuit_open", duration, Usage{})
			return nil, unavailable("circuit open", err)
		}

		c.observeCall("error", duration, Usage{})
		lastErr = err

		if isFatal(err) {
			c.logger.Warn("LLM call failed with non-retryable error", "error", err, "attempt", attempt)
			return nil, unavailable("non-retryable provider error", err)
		}

		if attempt < c.retry.MaxAttempts {
			backoff := c.backoffFor(attempt)
			c.logger.Debug("LLM call failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retry.MaxAttempts,
				"backoff", backoff,
				"error", err)
			if c.metrics != nil {
				c.metrics.LLMRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return nil, unavailable("cancelled during backoff", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return nil, unavailable("retries exhausted", lastErr)
}

// backoffFor computes the exponential backoff with ±JitterFraction jitter.
func (c *Client) backoffFor(attempt int) time.Duration {
	backoff := c.retry.BackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= c.retry.BackoffMax {
			backoff = c.retry.BackoffMax
			break
		}
	}
	jitter := float64(backoff) * c.retry.JitterFraction * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// chatResponse is the OpenAI-compatible response body.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// doRequest executes a single HTTP attempt with the per-attempt deadline.
func (c *Client) doRequest(ctx context.Context, req Request) (*Completion, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false,
	})
	if err != nil {
		return nil, newFatal(fmt.Errorf("marshal request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.completionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, newFatal(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, newTransient(transport.Classify(httpReq.URL.Host, err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, newTransient(transport.Classify(httpReq.URL.Host, err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, newTransient(fmt.Errorf("decode provider response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, newTransient(errors.New("provider response contained no choices"))
	}

	model := parsed.Model
	if model == "" {
		model = c.cfg.Model
	}
	return &Completion{
		Content:      parsed.Choices[0].Message.Content,
		Model:        model,
		Usage:        parsed.Usage,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// completionsURL joins the configured base with the completions path.
func (c *Client) completionsURL() string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

// classifyHTTPError maps provider status codes onto retryability.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("provider error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusGatewayTimeout:
		return newTransient(err)
	case statusCode >= 500:
		return newTransient(err)
	default:
		return newFatal(err)
	}
}

func (c *Client) observeCall(outcome string, duration time.Duration, usage Usage) {
	if c.metrics == nil {
		return
	}
	c.metrics.LLMCallDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if usage.PromptTokens > 0 {
		c.metrics.LLMTokens.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		c.metrics.LLMTokens.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
	}
}
