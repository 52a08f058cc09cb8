// Package transport provides the delivery adapters that move payloads to
// their destinations, and the registry the scheduler resolves them from.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/smedrec/courier/core"
)

// WebhookAdapterConfig configures the HTTP webhook adapter.
type WebhookAdapterConfig struct {
	// DefaultTimeout applies when the destination config carries none.
	DefaultTimeout time.Duration

	// MaxResponseBytes bounds how much of a response body is read before
	// the connection is released.
	MaxResponseBytes int64

	// UserAgent is sent on every request.
	UserAgent string

	// Transport overrides the HTTP transport, mainly for tests. The default
	// is an otelhttp-instrumented http.DefaultTransport.
	Transport http.RoundTripper

	// Logger is optional and defaults to a no-op logger.
	Logger core.Logger
}

// DefaultWebhookAdapterConfig returns a production-ready default configuration.
func DefaultWebhookAdapterConfig() *WebhookAdapterConfig {
	return &WebhookAdapterConfig{
		DefaultTimeout:   30 * time.Second,
		MaxResponseBytes: 64 * 1024,
		UserAgent:        "courier/1.0",
	}
}

// Validate applies defaults.
func (c *WebhookAdapterConfig) Validate() error {
	d := DefaultWebhookAdapterConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = d.MaxResponseBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	return nil
}

// WebhookAdapter delivers payloads over HTTP. Requests carry the payload's
// idempotency key so receivers can deduplicate at-least-once redelivery.
type WebhookAdapter struct {
	config *WebhookAdapterConfig
	client *http.Client
	logger core.Logger
}

// NewWebhookAdapter creates the adapter. The shared client carries no
// timeout; per-request timeouts come from the destination config.
func NewWebhookAdapter(config *WebhookAdapterConfig) *WebhookAdapter {
	if config == nil {
		config = DefaultWebhookAdapterConfig()
	}
	_ = config.Validate()

	rt := config.Transport
	if rt == nil {
		rt = otelhttp.NewTransport(http.DefaultTransport)
	}

	a := &WebhookAdapter{
		config: config,
		client: &http.Client{Transport: rt},
		logger: config.Logger,
	}
	if a.logger == nil {
		a.logger = &core.NoOpLogger{}
	} else if cal, ok := a.logger.(core.ComponentAwareLogger); ok {
		a.logger = cal.WithComponent("courier/transport")
	}
	return a
}

// Send posts the payload to the destination's webhook URL. Non-2xx responses
// return an AdapterError classified for the retry manager; 429 responses
// carry the Retry-After hint.
func (a *WebhookAdapter) Send(ctx context.Context, dest *core.Destination, payload *core.DeliveryPayload) (*core.SendResult, error) {
	cfg := dest.Config.Webhook
	if cfg == nil {
		return nil, &core.AdapterError{
			Class:   core.ClassValidation,
			Message: "destination has no webhook configuration",
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = a.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(payload.Data))
	if err != nil {
		return nil, &core.AdapterError{
			Class:   core.ClassValidation,
			Message: fmt.Sprintf("build request: %v", err),
			Err:     err,
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.config.UserAgent)
	req.Header.Set("X-Courier-Payload-Type", payload.Type)
	if key, ok := payload.Metadata["idempotency_key"].(string); ok && key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		// Connection-level failures (DNS, refused, deadline) are retryable;
		// they tend to resolve themselves.
		a.logger.Warn("Webhook request failed", map[string]interface{}{
			"operation":      "webhook_send",
			"destination_id": dest.ID,
			"url":            cfg.URL,
			"error":          err.Error(),
		})
		return nil, &core.AdapterError{
			Class:   core.ClassRetryable,
			Message: fmt.Sprintf("request failed: %v", err),
			Err:     err,
		}
	}
	defer resp.Body.Close()
	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, a.config.MaxResponseBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &core.SendResult{
			Success:              true,
			CrossSystemReference: crossSystemReference(resp),
			Latency:              latency,
		}, nil
	}

	return nil, &core.AdapterError{
		Class:      core.ClassifyStatusCode(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("webhook returned %s", resp.Status),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// Probe issues a HEAD request to the webhook URL. Reachability is the bar:
// any response below 500 counts as success, since many receivers reject
// empty probe bodies while accepting real deliveries.
func (a *WebhookAdapter) Probe(ctx context.Context, dest *core.Destination) (*core.ProbeResult, error) {
	cfg := dest.Config.Webhook
	if cfg == nil {
		return nil, &core.AdapterError{
			Class:   core.ClassValidation,
			Message: "destination has no webhook configuration",
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = a.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.URL, nil)
	if err != nil {
		return nil, &core.AdapterError{
			Class:   core.ClassValidation,
			Message: fmt.Sprintf("build request: %v", err),
			Err:     err,
		}
	}
	req.Header.Set("User-Agent", a.config.UserAgent)

	start := time.Now()
	resp, err := a.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &core.ProbeResult{
			Success: false,
			Latency: latency,
			Error:   err.Error(),
		}, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, a.config.MaxResponseBytes))

	if resp.StatusCode >= 500 {
		return &core.ProbeResult{
			Success: false,
			Latency: latency,
			Error:   fmt.Sprintf("webhook returned %s", resp.Status),
		}, nil
	}
	return &core.ProbeResult{Success: true, Latency: latency}, nil
}

func crossSystemReference(resp *http.Response) string {
	for _, h := range []string{"X-Request-Id", "X-Delivery-Id", "Request-Id"} {
		if v := resp.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}

// parseRetryAfter handles both forms of the header: delay seconds and an
// HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
