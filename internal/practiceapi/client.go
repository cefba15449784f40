// Package practiceapi calls the external practice-management API on behalf of
// queued browser requests.
package practiceapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultTimeout bounds a single outbound call when none is configured.
	DefaultTimeout = 30 * time.Second

	headerAPIKey    = "X-API-Key"
	headerRequestID = "X-Request-ID"

	maxErrorBody = 512
	maxBody      = 16 << 20
)

// TransportError reports a network failure or a 5xx reply.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Err != nil:
		return fmt.Sprintf("practice api status %d: %v", e.StatusCode, e.Err)
	case e.StatusCode > 0:
		if e.Body != "" {
			return fmt.Sprintf("practice api status %d: %s", e.StatusCode, e.Body)
		}
		return fmt.Sprintf("practice api status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("practice api transport: %v", e.Err)
	default:
		return "practice api transport failure"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a call that did not complete within its window.
type TimeoutError struct {
	Action  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("request timeout after %s (action %s)", e.Timeout, e.Action)
	}
	return fmt.Sprintf("request timeout (action %s)", e.Action)
}

// Config configures the outbound client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	// NewRequestID overrides the per-call id generator.
	NewRequestID func() string
}

// Client performs one outbound call per invocation.
type Client struct {
	endpoint  string
	apiKey    string
	timeout   time.Duration
	http      *http.Client
	logger    *slog.Logger
	requestID func() string
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("practice api base url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse practice api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("practice api base url must include scheme and host")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("practice api key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewRequestID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Client{
		endpoint:  parsed.String(),
		apiKey:    cfg.APIKey,
		timeout:   timeout,
		http:      httpClient,
		logger:    logger,
		requestID: newID,
	}, nil
}

// KeyFingerprint identifies the configured API key in logs without
// revealing it.
func (c *Client) KeyFingerprint() string {
	sum := blake2b.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(sum[:6])
}

// Timeout returns the per-call window.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

type callBody struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// Call posts {action, params} and returns the decoded JSON body for any status
// below 500, even when the body describes an application error.
func (c *Client) Call(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	payload, err := json.Marshal(callBody{Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode practice api request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build practice api request: %w", err)
	}
	requestID := c.requestID()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set(headerRequestID, requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &TimeoutError{Action: action, Timeout: c.timeout}
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &TimeoutError{Action: action, Timeout: c.timeout}
		}
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Warn("practice api server error", "action", action, "status", resp.StatusCode, "request_id", requestID)
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(trimmed) {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: errors.New("response body is not JSON")}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Info("practice api application error", "action", action, "status", resp.StatusCode, "request_id", requestID)
	}
	return json.RawMessage(trimmed), nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
