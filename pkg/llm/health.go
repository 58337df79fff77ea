package llm

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Probe deadlines: each sub-probe gets its own short deadline inside an
// overall budget, so one hung endpoint cannot eat the whole readiness check.
const (
	probeStepTimeout    = 5 * time.Second
	probeOverallTimeout = 15 * time.Second
)

// HealthProbe reports whether the provider is reachable. It tries, in
// order: an OpenAI-style /models listing, an Ollama-style /api/tags listing
// (the mesh-native deployments answer this one), and finally a one-token
// chat completion. True on the first success.
func (c *Client) HealthProbe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeOverallTimeout)
	defer cancel()

	if c.probeGET(ctx, c.endpointURL("/models")) {
		return true
	}
	if c.probeGET(ctx, c.endpointURL("/api/tags")) {
		return true
	}
	return c.probeMinimalCompletion(ctx)
}

// probeGET returns true when the URL answers 2xx within the step deadline.
func (c *Client) probeGET(ctx context.Context, url string) bool {
	stepCtx, cancel := context.WithTimeout(ctx, probeStepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(stepCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// probeMinimalCompletion issues a one-token completion directly, bypassing
// the breaker so a probe during an outage neither trips nor resets it.
func (c *Client) probeMinimalCompletion(ctx context.Context) bool {
	stepCtx, cancel := context.WithTimeout(ctx, probeStepTimeout)
	defer cancel()

	_, err := c.doRequest(stepCtx, Request{
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err == nil
}

// endpointURL joins the base URL with a sibling path of /chat/completions.
func (c *Client) endpointURL(path string) string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	base = strings.TrimSuffix(base, "/chat/completions")
	base = strings.TrimSuffix(base, "/")
	return base + path
}
