// Package slackapi wraps the Slack Web API client used for outbound calls.
// Transient failures (rate limits, 5xx) are retried a bounded number of
// times; everything else surfaces to the caller immediately.
package slackapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// Messenger is the outbound surface the dispatcher depends on.
type Messenger interface {
	PostMessage(ctx context.Context, channelID, text, threadTS string) error
	PostEphemeral(ctx context.Context, channelID, userID, text string) error
	OpenView(ctx context.Context, triggerID string, view slack.ModalViewRequest) error
}

type Identity struct {
	TeamID    string
	BotUserID string
	Team      string
	User      string
}

type Options struct {
	BotToken   string
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	api *slack.Client
}

func NewClient(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.BotToken)
	if token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	clientOpts := []slack.Option{}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, slack.OptionHTTPClient(opts.HTTPClient))
	}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		clientOpts = append(clientOpts, slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	}
	return &Client{api: slack.New(token, clientOpts...)}, nil
}

// AuthTest resolves the bot's own identity; the user id feeds the
// router's self-authored event guard at startup.
func (c *Client) AuthTest(ctx context.Context) (Identity, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("slack auth.test: %w", err)
	}
	return Identity{
		TeamID:    strings.TrimSpace(resp.TeamID),
		BotUserID: strings.TrimSpace(resp.UserID),
		Team:      strings.TrimSpace(resp.Team),
		User:      strings.TrimSpace(resp.User),
	}, nil
}

func (c *Client) PostMessage(ctx context.Context, channelID, text, threadTS string) error {
	channelID = strings.TrimSpace(channelID)
	text = strings.TrimSpace(text)
	if channelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if text == "" {
		return fmt.Errorf("text is required")
	}
	msgOpts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS = strings.TrimSpace(threadTS); threadTS != "" {
		msgOpts = append(msgOpts, slack.MsgOptionTS(threadTS))
	}
	return c.withRetry(ctx, "chat.postMessage", func() error {
		_, _, err := c.api.PostMessageContext(ctx, channelID, msgOpts...)
		return err
	})
}

func (c *Client) PostEphemeral(ctx context.Context, channelID, userID, text string) error {
	channelID = strings.TrimSpace(channelID)
	userID = strings.TrimSpace(userID)
	text = strings.TrimSpace(text)
	if channelID == "" || userID == "" {
		return fmt.Errorf("channel_id and user_id are required")
	}
	if text == "" {
		return fmt.Errorf("text is required")
	}
	return c.withRetry(ctx, "chat.postEphemeral", func() error {
		_, err := c.api.PostEphemeralContext(ctx, channelID, userID, slack.MsgOptionText(text, false))
		return err
	})
}

// OpenView is not retried: trigger_id values expire within seconds, so a
// failed attempt is already too late to repeat.
func (c *Client) OpenView(ctx context.Context, triggerID string, view slack.ModalViewRequest) error {
	triggerID = strings.TrimSpace(triggerID)
	if triggerID == "" {
		return fmt.Errorf("trigger_id is required")
	}
	if _, err := c.api.OpenViewContext(ctx, triggerID, view); err != nil {
		return fmt.Errorf("slack views.open: %w", err)
	}
	return nil
}

func (c *Client) withRetry(ctx context.Context, method string, call func() error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("slack %s: %w", method, err)
		if attempt >= maxAttempts {
			break
		}
		wait, retryable := retryDelay(err, attempt)
		if !retryable {
			break
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func retryDelay(err error, attempt int) (time.Duration, bool) {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		if rateLimited.RetryAfter > 0 {
			return rateLimited.RetryAfter, true
		}
		return 1 * time.Second, true
	}
	var statusCode slack.StatusCodeError
	if errors.As(err, &statusCode) && statusCode.Code >= 500 && statusCode.Code <= 599 {
		switch attempt {
		case 1:
			return 300 * time.Millisecond, true
		case 2:
			return 1 * time.Second, true
		default:
			return 2 * time.Second, true
		}
	}
	return 0, false
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
