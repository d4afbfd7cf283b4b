package processor

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

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

// IntentStatus is the processor-reported state of a payment intent.
type IntentStatus string

// Statuses reported by the processor.
const (
	StatusSucceeded  IntentStatus = "succeeded"
	StatusProcessing IntentStatus = "processing"
	StatusFailed     IntentStatus = "failed"
)

// ErrUnavailable marks transient processor failures (network errors, 5xx
// responses). Callers retry these with backoff before giving up.
var ErrUnavailable = errors.New("processor: temporarily unavailable")

// ErrRejected marks terminal processor failures (4xx responses). Retrying
// will not help.
var ErrRejected = errors.New("processor: request rejected")

// CreateIntentRequest registers a new payment intent with the processor.
type CreateIntentRequest struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Metadata  string          `json:"metadata,omitempty"`
}

// Intent is the processor's view of a registered payment intent.
type Intent struct {
	Reference   string       `json:"reference"`
	ClientToken string       `json:"client_token"`
	Status      IntentStatus `json:"status"`
}

// RefundRequest reverses a previously captured intent. IdempotencyKey must be
// stable across retries so the processor executes the refund at most once.
type RefundRequest struct {
	Reference      string          `json:"reference"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Client abstracts the external payment processor's create-intent, confirm
// and refund primitives.
type Client interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error)
	ConfirmIntent(ctx context.Context, reference, methodRef string) (IntentStatus, error)
	RefundIntent(ctx context.Context, req RefundRequest) error
}

// HTTPClient implements Client against the processor's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxRetries uint64
	backoff    time.Duration
}

// Option adjusts HTTPClient construction.
type Option func(*HTTPClient)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetries configures the transient-failure retry budget and base backoff.
func WithRetries(max uint64, base time.Duration) Option {
	return func(c *HTTPClient) {
		c.maxRetries = max
		if base > 0 {
			c.backoff = base
		}
	}
}

// NewHTTPClient constructs a processor client for the given base URL.
func NewHTTPClient(baseURL, apiKey string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateIntent registers an intent and returns the opaque client token the
// payer-side confirmation flow needs.
func (c *HTTPClient) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	var intent Intent
	if err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/v1/intents", req, &intent)
	}); err != nil {
		return nil, err
	}
	return &intent, nil
}

// ConfirmIntent attempts to capture the intent with the supplied payment
// method reference.
func (c *HTTPClient) ConfirmIntent(ctx context.Context, reference, methodRef string) (IntentStatus, error) {
	payload := map[string]string{"method": methodRef}
	var result struct {
		Status IntentStatus `json:"status"`
	}
	path := fmt.Sprintf("/v1/intents/%s/confirm", reference)
	if err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, path, payload, &result)
	}); err != nil {
		return "", err
	}
	switch result.Status {
	case StatusSucceeded, StatusProcessing, StatusFailed:
		return result.Status, nil
	default:
		return "", fmt.Errorf("processor: unknown intent status %q", result.Status)
	}
}

// RefundIntent reverses the captured charge. Safe to repeat with the same
// idempotency key.
func (c *HTTPClient) RefundIntent(ctx context.Context, req RefundRequest) error {
	path := fmt.Sprintf("/v1/intents/%s/refund", req.Reference)
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, path, req, nil)
	})
}

func (c *HTTPClient) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(c.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
