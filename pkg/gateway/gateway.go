package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/log"
	"github.com/sentinelops/taskforge/pkg/metrics"
)

// ErrExhausted is returned when every retry attempt failed.
var ErrExhausted = errors.New("llm retries exhausted")

// HTTPError is a non-retryable response from the LLM endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm api error: status %d: %s", e.StatusCode, e.Body)
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles used in chat payloads.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Config holds the endpoint settings for one Client.
type Config struct {
	URL    string
	APIKey string
	Model  string
}

type chatRequest struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	Messages    []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client posts chat-completion requests to the configured endpoint. A
// process-wide weighted semaphore caps in-flight calls; rate limits and
// transient network failures retry with exponential backoff. The client is
// stateless between calls; conversation state lives in callers' message
// arrays.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sem        *semaphore.Weighted
	counters   *metrics.Counters
	logger     zerolog.Logger
}

// New returns a Client capped at the configured LLM concurrency.
func New(cfg Config, counters *metrics.Counters) *Client {
	if counters == nil {
		counters = metrics.Default
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		sem:        semaphore.NewWeighted(int64(limits.Get().MaxLLMConcurrent)),
		counters:   counters,
		logger:     log.WithComponent("gateway"),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Chat sends the message array and returns the assistant's reply text.
// It blocks on the concurrency semaphore, then retries rate limits and
// transient failures with delay base × 2^attempt before giving up with
// ErrExhausted.
func (c *Client) Chat(ctx context.Context, temperature float64, messages []Message) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	l := limits.Get()
	var lastErr error

	for attempt := 0; attempt < l.LLMMaxRetries; attempt++ {
		if attempt > 0 {
			delay := l.LLMBaseDelay * time.Duration(1<<(attempt-1))
			c.logger.Warn().Err(lastErr).Dur("delay", delay).Int("attempt", attempt+1).Msg("retrying llm call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		start := time.Now()
		content, retryable, err := c.doCall(ctx, temperature, messages)
		metrics.LLMCallDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.LLMCallsTotal.WithLabelValues("success").Inc()
			return content, nil
		}
		if !retryable {
			metrics.LLMCallsTotal.WithLabelValues("error").Inc()
			return "", err
		}
		lastErr = err
	}

	c.counters.Increment(metrics.LLMFailures)
	metrics.LLMCallsTotal.WithLabelValues("error").Inc()
	return "", fmt.Errorf("%w after %d attempts: %v", ErrExhausted, l.LLMMaxRetries, lastErr)
}

// doCall performs one HTTP round trip. The second return reports whether
// the failure is worth retrying.
func (c *Client) doCall(ctx context.Context, temperature float64, messages []Message) (string, bool, error) {
	l := limits.Get()

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Temperature: temperature,
		Messages:    messages,
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.LLMCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Caller's context ended; not a transient endpoint failure
			return "", false, ctx.Err()
		}
		// Network error or per-call timeout
		return "", true, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("failed to read chat response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.counters.Increment(metrics.LLMRateLimits)
		metrics.LLMCallsTotal.WithLabelValues("rate_limited").Inc()
		return "", true, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(respBody, 200)}
	case resp.StatusCode >= 500:
		return "", true, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(respBody, 200)}
	case resp.StatusCode != http.StatusOK:
		return "", false, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(respBody, 200)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", true, fmt.Errorf("failed to parse chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", true, errors.New("chat response has no choices")
	}

	return parsed.Choices[0].Message.Content, false, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
