package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	parseModeHTML  = "HTML"
)

var sendTracer = otel.Tracer("clinic.internal.telegram")

// Config controls how the Bot API client behaves.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client sends chat messages through the Telegram Bot API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}, nil
}

// SentMessage is the part of the Bot API Message object callers use.
type SentMessage struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
}

// SendText posts a text message with HTML parse mode.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) (*SentMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("telegram: text required")
	}
	return c.send(ctx, "sendMessage", chatID, map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": parseModeHTML,
	})
}

// SendPhoto posts a photo by URL with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) (*SentMessage, error) {
	if strings.TrimSpace(photoURL) == "" {
		return nil, errors.New("telegram: photo url required")
	}
	return c.send(ctx, "sendPhoto", chatID, mediaBody(chatID, "photo", photoURL, caption))
}

// SendVideo posts a video by URL with an optional caption.
func (c *Client) SendVideo(ctx context.Context, chatID int64, videoURL, caption string) (*SentMessage, error) {
	if strings.TrimSpace(videoURL) == "" {
		return nil, errors.New("telegram: video url required")
	}
	return c.send(ctx, "sendVideo", chatID, mediaBody(chatID, "video", videoURL, caption))
}

func mediaBody(chatID int64, field, url, caption string) map[string]any {
	body := map[string]any{
		"chat_id": chatID,
		field:     url,
	}
	if caption != "" {
		body["caption"] = caption
		body["parse_mode"] = parseModeHTML
	}
	return body
}

func (c *Client) send(ctx context.Context, method string, chatID int64, payload map[string]any) (*SentMessage, error) {
	ctx, span := sendTracer.Start(ctx, "telegram."+method)
	defer span.End()
	span.SetAttributes(
		attribute.String("telegram.method", method),
		attribute.Int64("telegram.chat_id", chatID),
	)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s body: %w", method, err)
	}
	data, err := c.invoke(ctx, method, body)
	if err != nil {
		span.RecordError(err)
		c.logger.Error("telegram: send failed", "method", method, "chat_id", chatID, "error", err)
		return nil, err
	}
	var sent SentMessage
	if err := json.Unmarshal(data, &sent); err != nil {
		return nil, fmt.Errorf("telegram: decode %s result: %w", method, err)
	}
	c.logger.Debug("telegram: message sent", "method", method, "chat_id", chatID, "message_id", sent.MessageID)
	return &sent, nil
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// APIError is a non-OK Bot API reply.
type APIError struct {
	StatusCode  int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram: %s (status=%d)", e.Description, e.StatusCode)
	}
	return fmt.Sprintf("telegram: http status %d", e.StatusCode)
}

func (c *Client) invoke(ctx context.Context, method string, body []byte) ([]byte, error) {
	url := c.baseURL + "/bot" + c.token + "/" + method
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("telegram: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// the token is part of the url; never surface it
			err = redact(err, c.token)
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("telegram: http error: %w", err)
			}
			lastErr = err
			c.logRetry(method, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt, 0); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("telegram: read response: %w", readErr)
		}
		var env envelope
		decodeErr := json.Unmarshal(data, &env)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 && decodeErr == nil && env.OK {
			return env.Result, nil
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Description: env.Description}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(method, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt, apiErr.RetryAfter); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("telegram: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int, hint time.Duration) error {
	delay := c.backoff * time.Duration(1<<attempt)
	if hint > delay {
		delay = hint
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(method string, attempt int, status int, err error) {
	c.logger.Warn("telegram retry",
		"method", method,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), cause: err}
}
