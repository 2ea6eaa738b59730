package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for reaching the settlement API.
type Config struct {
	APIURL         string // Base URL, e.g. "http://localhost:8080"
	APIKey         string // Sent as a bearer token on mutating calls
	PayerAccountID string // Default payer for create_payment
}

// Client is a thin HTTP client for the /v1 settlement API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client. Synchronous settlements wait for ledger
// inclusion, so the timeout is generous.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 3 * time.Minute,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// CreatePaymentInput is the body of POST /v1/payments.
type CreatePaymentInput struct {
	PaymentID   string         `json:"payment_id,omitempty"`
	FromAccount string         `json:"from_account,omitempty"`
	ToAccount   string         `json:"to_account"`
	Amount      string         `json:"amount"`
	Currency    string         `json:"currency,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// 202 transaction_pending carries an error body with the payment.
	if resp.StatusCode >= 400 || resp.StatusCode == http.StatusAccepted {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg := apiErr.Message
			if apiErr.Reason != "" {
				msg += " (reason: " + apiErr.Reason + ")"
			}
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, msg)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
		}
	}

	return json.RawMessage(respBody), nil
}

// CreatePayment records a new payment and its proposal.
func (c *Client) CreatePayment(ctx context.Context, in CreatePaymentInput) (json.RawMessage, error) {
	if in.FromAccount == "" {
		in.FromAccount = c.cfg.PayerAccountID
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/payments", nil, in)
}

// AuthorizePayment funds the escrow for a payment.
func (c *Client) AuthorizePayment(ctx context.Context, id string, async bool) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(id)+"/authorize", asyncQuery(async), nil)
}

// ReleasePayment casts a release vote.
func (c *Client) ReleasePayment(ctx context.Context, id, notes string, async bool) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(id)+"/release", asyncQuery(async),
		map[string]string{"notes": notes})
}

// RefundPayment casts a refund vote.
func (c *Client) RefundPayment(ctx context.Context, id, reason string, async bool) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(id)+"/refund", asyncQuery(async),
		map[string]string{"reason": reason})
}

// GetPayment fetches one payment.
func (c *Client) GetPayment(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, nil)
}

// ListTaskPayments lists payments recorded for a task.
func (c *Client) ListTaskPayments(ctx context.Context, taskID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID)+"/payments", q, nil)
}

// GetEscrow reads the on-ledger escrow for a task.
func (c *Client) GetEscrow(ctx context.Context, taskID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(taskID), nil, nil)
}

func asyncQuery(async bool) url.Values {
	if !async {
		return nil
	}
	return url.Values{"async": []string{"true"}}
}
