// Package anthropic is an llm.Client backed by the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scrumlead/scrumlead/llm"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func New(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	baseURL := strings.TrimSpace(strings.TrimRight(opts.BaseURL, "/"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{apiKey: apiKey, baseURL: baseURL, http: httpClient}, nil
}

type messagesRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	System      string       `json:"system,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Messages    []llm.Message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Chat calls the Messages API with a bounded retry on transient failures
// (network errors, rate limits, 5xx). Anything else fails fast.
func (c *Client) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	const maxAttempts = 3
	var (
		resp    llm.Response
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var retryable bool
		var wait time.Duration
		resp, wait, retryable, lastErr = c.chatOnce(ctx, req, attempt)
		if lastErr == nil {
			return resp, nil
		}
		if !retryable || attempt >= maxAttempts {
			break
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return llm.Response{}, fmt.Errorf("%w: %v", llm.ErrTimeout, err)
		}
	}
	return llm.Response{}, lastErr
}

func (c *Client) chatOnce(ctx context.Context, req llm.Request, attempt int) (llm.Response, time.Duration, bool, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := messagesRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  req.Messages,
	}
	if req.Temperature > 0 {
		payload.Temperature = &req.Temperature
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return llm.Response{}, 0, false, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return llm.Response{}, 0, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return llm.Response{}, 0, false, fmt.Errorf("%w: %v", llm.ErrTimeout, err)
		}
		return llm.Response{}, backoff(attempt), true, fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, backoff(attempt), true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		wait := backoff(attempt)
		if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		return llm.Response{}, wait, true, fmt.Errorf("%w: anthropic http %d", llm.ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return llm.Response{}, backoff(attempt), true, fmt.Errorf("%w: anthropic http %d", llm.ErrUnavailable, resp.StatusCode)
	}

	var out messagesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return llm.Response{}, 0, false, fmt.Errorf("parse response: %w", err)
	}
	if out.Error != nil {
		return llm.Response{}, 0, false, fmt.Errorf("anthropic %s: %s", out.Error.Type, out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return llm.Response{}, 0, false, fmt.Errorf("anthropic http %d", resp.StatusCode)
	}

	var parts []string
	for _, block := range out.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return llm.Response{
		Text:         strings.Join(parts, "\n"),
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, 0, false, nil
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 300 * time.Millisecond
	case 2:
		return 1 * time.Second
	default:
		return 2 * time.Second
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
