// Package chat asks the external language model backend for a reply to
// speak in chat mode.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/config"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/resilience"
)

// ErrEmptyReply is returned when the backend answers without a reply
var ErrEmptyReply = errors.New("chat backend returned an empty reply")

// Request is the body posted to the chat endpoint
type Request struct {
	Message string `json:"message"`
}

// Response is the chat endpoint reply
type Response struct {
	Response string `json:"response"`
}

// StatusError reports a non-2xx answer from the backend
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chat endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Client posts messages to the chat backend
type Client struct {
	endpoint       string
	httpClient     *http.Client
	retryConfig    *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewClient creates a client for cfg.ChatURL. The /chat path is appended
// when the URL has no path.
func NewClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	if cfg.ChatURL == "" {
		return nil, &config.ConfigError{Field: "CHAT_URL", Reason: "is required for chat mode"}
	}
	endpoint := strings.TrimRight(cfg.ChatURL, "/")
	if !strings.HasSuffix(endpoint, "/chat") {
		endpoint += "/chat"
	}

	circuitBreaker := resilience.NewCircuitBreaker(
		"chat",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: time.Duration(cfg.ChatTimeout) * time.Second},
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: circuitBreaker,
		logger:         logger,
	}, nil
}

// Endpoint returns the URL messages are posted to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Send posts message and returns the backend's reply. Server errors and
// transient network failures are retried; the whole exchange runs behind
// a circuit breaker.
func (c *Client) Send(ctx context.Context, message string) (string, error) {
	body, err := json.Marshal(Request{Message: message})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	var reply string
	err = c.circuitBreaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retryConfig, resilience.IsRetryableNetworkError, func(ctx context.Context) error {
			r, err := c.post(ctx, body)
			if err != nil {
				c.logger.Debug().Err(err).Msg("Chat request attempt failed")
				return err
			}
			reply = r
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
		}
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	return reply, nil
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", resilience.NewRetryableError(statusErr)
		}
		return "", statusErr
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", ErrEmptyReply
	}
	return out.Response, nil
}

// Healthy reports whether the circuit allows requests
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	if c.circuitBreaker.GetState() != resilience.StateOpen {
		return true, nil
	}
	state, requests, failures, rate := c.circuitBreaker.GetStats()
	return false, fmt.Errorf("chat circuit %s: %d of %d requests failed (%.0f%%)", state, failures, requests, rate)
}
