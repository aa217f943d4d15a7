// Package webhook delivers HMAC-SHA256 signed JSON events to an external
// endpoint and verifies signatures on inbound callbacks.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	SignatureHeader = "X-Signature"
	EventHeader     = "X-Event-Type"
	DeliveryHeader  = "X-Delivery-ID"
	TimestampHeader = "X-Timestamp"
)

// Event is the envelope POSTed to the endpoint.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DeliveryAttempt records the outcome of one delivery.
type DeliveryAttempt struct {
	EventID      string        `json:"event_id"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Attempts     int           `json:"attempts"`
	Error        string        `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (optionally "sha256=" prefixed)
// matches the HMAC-SHA256 of payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetryDelays sets the wait before each retry. The number of delays is
// the number of retries.
func WithRetryDelays(d ...time.Duration) Option {
	return func(cl *Client) { cl.retryDelays = d }
}

// Client signs and delivers events to a single endpoint.
type Client struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	now         func() time.Time
}

// NewClient validates rawURL and returns a Client for it.
func NewClient(rawURL, secret string, opts ...Option) (*Client, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	c := &Client{
		url:         rawURL,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url must include a host")
	}
	return nil
}

// Send wraps data in an Event and delivers it, retrying on transport
// errors and 5xx responses. A 4xx response is not retried.
func (c *Client) Send(ctx context.Context, eventType string, data any) (*DeliveryAttempt, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	ev := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: c.now().UTC(),
		Data:      raw,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	attempt := &DeliveryAttempt{EventID: ev.ID}
	for i := 0; ; i++ {
		attempt.Attempts = i + 1
		retry := c.deliver(ctx, ev, payload, attempt)
		if attempt.Error == "" {
			return attempt, nil
		}
		if !retry || i >= len(c.retryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			attempt.Error = ctx.Err().Error()
			return attempt, fmt.Errorf("deliver %s: %w", eventType, ctx.Err())
		case <-time.After(c.retryDelays[i]):
		}
	}
	return attempt, fmt.Errorf("deliver %s: %s", eventType, attempt.Error)
}

// deliver performs one POST and reports whether a failure is retryable.
func (c *Client) deliver(ctx context.Context, ev Event, payload []byte, attempt *DeliveryAttempt) bool {
	attempt.Error = ""
	attempt.StatusCode = 0
	attempt.ResponseBody = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		attempt.Error = err.Error()
		return false
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, c.secret))
	req.Header.Set(EventHeader, ev.Type)
	req.Header.Set(DeliveryHeader, ev.ID)
	req.Header.Set(TimestampHeader, ev.Timestamp.Format(time.RFC3339))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Error = err.Error()
		return true
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	// Read at most 1KB of response body.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false
	}
	attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	return resp.StatusCode >= 500
}

// ---------------------------------------------------------------------------
// Inbound verification
// ---------------------------------------------------------------------------

// VerifyMiddleware rejects requests whose X-Signature header does not match
// the HMAC of the body. An empty secret disables the check.
func VerifyMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return next(c)
			}
			req := c.Request()
			body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
			}
			req.Body.Close()
			if !VerifySignature(body, secret, req.Header.Get(SignatureHeader)) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			return next(c)
		}
	}
}
