package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/taskescrow/internal/circuitbreaker"
	"github.com/mbd888/taskescrow/internal/retry"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Taskescrow-Signature"
	HeaderEvent     = "X-Taskescrow-Event"
	HeaderTimestamp = "X-Taskescrow-Timestamp"
)

// DefaultWebhookTimeout bounds a single POST.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookPayload is the JSON body posted to each endpoint.
type WebhookPayload struct {
	Message LifecycleMessage `json:"message"`
	Tags    []string         `json:"tags"`
}

// WebhookSink POSTs every message to a fixed set of endpoints.
type WebhookSink struct {
	urls    []string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) { s.client = c }
}

// WithRetryPolicy overrides the per-endpoint retry policy.
func WithRetryPolicy(p retry.Policy) WebhookOption {
	return func(s *WebhookSink) { s.policy = p }
}

// WithBreaker overrides the per-endpoint circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) WebhookOption {
	return func(s *WebhookSink) { s.breaker = b }
}

// ParseURLs splits a comma separated endpoint list, dropping blanks.
func ParseURLs(raw string) []string {
	var out []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// NewWebhookSink posts to urls, signing bodies with secret when it is set.
func NewWebhookSink(urls []string, secret string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		urls:    urls,
		secret:  secret,
		client:  &http.Client{Timeout: DefaultWebhookTimeout},
		breaker: circuitbreaker.New(5, time.Minute),
		policy:  retry.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSink) Name() string { return "webhook" }

// Deliver posts to every endpoint and joins the failures.
func (s *WebhookSink) Deliver(ctx context.Context, msg LifecycleMessage, tags []string) error {
	body, err := json.Marshal(WebhookPayload{Message: msg, Tags: tags})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var errs []error
	for _, url := range s.urls {
		err := s.breaker.Execute(url, func() error {
			return retry.Do(ctx, s.policy, func(ctx context.Context) error {
				return s.post(ctx, url, msg, body)
			})
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) post(ctx context.Context, url string, msg LifecycleMessage, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(msg.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(msg.Timestamp.Unix(), 10))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
