// Package agentrpc provides an HTTP client for the tool-agent RPC.
package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/planforge/planforge/internal/port/toolagent"
	"github.com/planforge/planforge/internal/resilience"
)

// Options configures the client.
type Options struct {
	// DefaultTimeout applies when the invocation declares timeoutSeconds = 0.
	DefaultTimeout time.Duration
	// MaxRetries is the number of retries on transient codes.
	MaxRetries int
	// RetryBaseDelay is scaled linearly by attempt number.
	RetryBaseDelay time.Duration
}

// Client talks to a tool agent over HTTP JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
	opts       Options

	sleep func(ctx context.Context, d time.Duration) error // for testing
}

// NewClient creates a tool-agent client for the given base URL.
func NewClient(baseURL string, opts Options) *Client {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 120 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 200 * time.Millisecond
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		opts:       opts,
		sleep:      sleepCtx,
	}
}

// sleepCtx waits for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// invokeResponse is the agent's reply envelope.
type invokeResponse struct {
	Events []toolagent.Event `json:"events"`
}

// errorResponse is the agent's error body shape, when present.
type errorResponse struct {
	Error string `json:"error"`
}

// Execute invokes the agent and returns its ordered event sequence.
// The per-call deadline is the smaller of timeoutSeconds and the
// configured default; zero means the default. Transient codes are
// retried with a linear backoff; exhaustion or a non-retryable response
// raises a *toolagent.Error.
func (c *Client) Execute(ctx context.Context, inv toolagent.Invocation) ([]toolagent.Event, error) {
	timeout := c.opts.DefaultTimeout
	if declared := time.Duration(inv.TimeoutSeconds) * time.Second; declared > 0 && declared < timeout {
		timeout = declared
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(inv)
	if err != nil {
		return nil, &toolagent.Error{Code: toolagent.CodeInvalidArgument, Message: "marshal invocation", Cause: err}
	}

	var lastErr *toolagent.Error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			// Linear scaling: base, 2*base, 3*base, ...
			delay := c.opts.RetryBaseDelay * time.Duration(attempt)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, deadlineError(err)
			}
		}

		events, callErr := c.invoke(ctx, body)
		if callErr == nil {
			return events, nil
		}
		lastErr = callErr
		if !callErr.Retryable {
			return nil, callErr
		}
	}
	return nil, lastErr
}

// invoke performs one HTTP round-trip through the breaker.
func (c *Client) invoke(ctx context.Context, body []byte) ([]toolagent.Event, *toolagent.Error) {
	var events []toolagent.Event

	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(body))
		if err != nil {
			return &toolagent.Error{Code: toolagent.CodeInternal, Message: "create request", Cause: err}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return deadlineError(err)
			}
			return &toolagent.Error{Retryable: true, Code: toolagent.CodeUnavailable, Message: "agent unreachable", Cause: err}
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &toolagent.Error{Retryable: true, Code: toolagent.CodeUnavailable, Message: "read response", Cause: err}
		}

		if resp.StatusCode >= 400 {
			return statusError(resp.StatusCode, data)
		}

		var out invokeResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return &toolagent.Error{Code: toolagent.CodeInternal, Message: "unmarshal agent response", Cause: err}
		}
		events = out.Events
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, &toolagent.Error{Retryable: true, Code: toolagent.CodeUnavailable, Message: "circuit open", Cause: err}
			}
			return nil, asToolError(err)
		}
		return events, nil
	}

	if err := call(); err != nil {
		return nil, asToolError(err)
	}
	return events, nil
}

// statusError maps an HTTP status to a typed tool-agent error.
func statusError(status int, body []byte) *toolagent.Error {
	msg := fmt.Sprintf("agent returned %d", status)
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	switch status {
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return &toolagent.Error{Retryable: true, Code: toolagent.CodeUnavailable, Message: msg}
	case http.StatusTooManyRequests:
		return &toolagent.Error{Retryable: true, Code: toolagent.CodeResourceExhausted, Message: msg}
	case http.StatusConflict:
		return &toolagent.Error{Retryable: true, Code: toolagent.CodeAborted, Message: msg}
	case http.StatusGatewayTimeout:
		return &toolagent.Error{Retryable: true, Code: toolagent.CodeDeadlineExceeded, Message: msg}
	case http.StatusForbidden:
		return &toolagent.Error{Code: toolagent.CodePermissionDenied, Message: msg}
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusNotFound:
		return &toolagent.Error{Code: toolagent.CodeInvalidArgument, Message: msg}
	default:
		return &toolagent.Error{Code: toolagent.CodeInternal, Message: msg}
	}
}

func deadlineError(cause error) *toolagent.Error {
	return &toolagent.Error{Retryable: true, Code: toolagent.CodeDeadlineExceeded, Message: "deadline exceeded", Cause: cause}
}

// asToolError normalizes any error from the call path to *toolagent.Error.
func asToolError(err error) *toolagent.Error {
	if te, ok := toolagent.AsError(err); ok {
		return te
	}
	return &toolagent.Error{Code: toolagent.CodeInternal, Message: "tool agent call failed", Cause: err}
}
