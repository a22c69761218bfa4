// Package forwarder delivers consumed messages to an HTTP endpoint and maps
// the response onto a handler result.
package forwarder

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/glimte/blink-go/contracts"
)

const (
	// DefaultTimeout bounds a single forward request
	DefaultTimeout = 30 * time.Second

	maxResponseBody = 1024
	userAgent       = "blink/1.0"
)

// Forwarder POSTs the data of each message as JSON to a fixed URL
type Forwarder struct {
	url     string
	client  *http.Client
	headers map[string]string
	secret  string
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(f *Forwarder) {
		f.client.Timeout = timeout
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(f *Forwarder) {
		f.client = client
	}
}

// WithHeader adds a static request header
func WithHeader(key, value string) Option {
	return func(f *Forwarder) {
		f.headers[key] = value
	}
}

// WithSigningSecret signs each request body with HMAC-SHA256
func WithSigningSecret(secret string) Option {
	return func(f *Forwarder) {
		f.secret = secret
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// New creates a forwarder targeting url
func New(url string, opts ...Option) *Forwarder {
	f := &Forwarder{
		url:     url,
		client:  &http.Client{Timeout: DefaultTimeout},
		headers: make(map[string]string),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL returns the target URL
func (f *Forwarder) URL() string {
	return f.url
}

// Handle forwards msg and classifies the response. It satisfies contracts.Handler.
func (f *Forwarder) Handle(ctx context.Context, msg *contracts.Message) contracts.Result {
	body, err := json.Marshal(msg.Data)
	if err != nil {
		return contracts.Fatal(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return contracts.Fatal(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Blink-Request-ID", msg.RequestID())
	req.Header.Set("X-Blink-Message-Type", msg.TypeName())
	req.Header.Set("X-Blink-Retry-Attempt", strconv.Itoa(msg.RetryAttempt()))

	if f.secret != "" {
		ts := f.now().Unix()
		req.Header.Set("X-Blink-Signature", Sign(body, f.secret, ts))
		req.Header.Set("X-Blink-Timestamp", strconv.FormatInt(ts, 10))
	}

	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		f.logger.Warn("forward request failed",
			"url", f.url,
			"requestId", msg.RequestID(),
			"latency", latency,
			"error", err,
		)
		return Decide(0, "", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	f.logger.Debug("message forwarded",
		"url", f.url,
		"requestId", msg.RequestID(),
		"status", resp.StatusCode,
		"latency", latency,
	)

	return Decide(resp.StatusCode, string(snippet), nil)
}

// StatusError is the cause of a non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("endpoint responded %d", e.StatusCode)
	}
	return fmt.Sprintf("endpoint responded %d: %s", e.StatusCode, e.Body)
}

// Decide maps a forward attempt onto a handler result.
//
// Decision matrix:
//   - 2xx → Success
//   - 408, 429 → Retry
//   - other 4xx → Fatal
//   - 5xx or transport error → Retry
func Decide(statusCode int, body string, err error) contracts.Result {
	if err != nil {
		return contracts.RetryAfter(fmt.Errorf("forward failed: %w", err))
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return contracts.Success(true)
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return contracts.RetryAfter(&StatusError{StatusCode: statusCode, Body: body})
	case statusCode >= 400 && statusCode < 500:
		return contracts.Fatal(&StatusError{StatusCode: statusCode, Body: body})
	default:
		return contracts.RetryAfter(&StatusError{StatusCode: statusCode, Body: body})
	}
}

// Sign returns "v1=<hex>" where hex is the HMAC-SHA256 of "{timestamp}.{payload}"
func Sign(payload []byte, secret string, timestamp int64) string {
	content := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(content))
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}
