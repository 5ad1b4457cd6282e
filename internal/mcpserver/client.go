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

// Config holds the configuration for connecting to an escrowd API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Account string // Account the agent acts as (escrow sender, refund requester)

	// Optional admin credentials; approve/deny tools fail without them.
	AdminIdentity string
	AdminSecret   string
}

// Client is a pure HTTP client for the escrowd API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the escrowd API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from escrowd.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type requestOpts struct {
	query          url.Values
	body           any
	admin          bool
	idempotencyKey string
}

// doRequest makes an HTTP request to escrowd and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, opts requestOpts) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if opts.query != nil {
		u.RawQuery = opts.query.Encode()
	}

	var reqBody io.Reader
	if opts.body != nil {
		data, err := json.Marshal(opts.body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if opts.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.idempotencyKey)
	}
	if opts.admin {
		if c.cfg.AdminIdentity == "" {
			return nil, fmt.Errorf("admin identity not configured")
		}
		req.Header.Set("X-Admin-Identity", c.cfg.AdminIdentity)
		if c.cfg.AdminSecret != "" {
			req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
		}
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

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func idPath(prefix string, id uint64, suffix string) string {
	return prefix + strconv.FormatUint(id, 10) + suffix
}

func listQuery(status, account string, limit int) url.Values {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if account != "" {
		q.Set("account", account)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// GetBalance returns the agent's available balance for asset.
func (c *Client) GetBalance(ctx context.Context, asset uint32) (json.RawMessage, error) {
	path := "/v1/accounts/" + url.PathEscape(c.cfg.Account) + "/balances/" + strconv.FormatUint(uint64(asset), 10)
	return c.doRequest(ctx, http.MethodGet, path, requestOpts{})
}

// CreateEscrow locks amount from the agent's account for receiver.
func (c *Client) CreateEscrow(ctx context.Context, receiver string, amount uint64, asset uint32, conditions, idempotencyKey string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", requestOpts{
		body: map[string]any{
			"sender":     c.cfg.Account,
			"receiver":   receiver,
			"assetTag":   asset,
			"amount":     amount,
			"conditions": conditions,
		},
		idempotencyKey: idempotencyKey,
	})
}

// GetEscrow fetches one escrow.
func (c *Client) GetEscrow(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, idPath("/v1/escrows/", id, ""), requestOpts{})
}

// ListEscrows lists escrows the agent is party to.
func (c *Client) ListEscrows(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows", requestOpts{query: listQuery(status, c.cfg.Account, limit)})
}

// ReleaseEscrow pays the receiver.
func (c *Client) ReleaseEscrow(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, idPath("/v1/escrows/", id, "/release"), requestOpts{})
}

// CancelEscrow returns the funds to the sender.
func (c *Client) CancelEscrow(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, idPath("/v1/escrows/", id, "/cancel"), requestOpts{})
}

// RequestRefund files a refund request against an escrow.
func (c *Client) RequestRefund(ctx context.Context, escrowID, amount uint64, reason, idempotencyKey string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/refunds", requestOpts{
		body: map[string]any{
			"escrowId":    escrowID,
			"requestedBy": c.cfg.Account,
			"amount":      amount,
			"reason":      reason,
		},
		idempotencyKey: idempotencyKey,
	})
}

// GetRefund fetches one refund request.
func (c *Client) GetRefund(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, idPath("/v1/refunds/", id, ""), requestOpts{})
}

// ListRefunds lists the agent's refund requests.
func (c *Client) ListRefunds(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := listQuery(status, "", limit)
	q.Set("requestedBy", c.cfg.Account)
	return c.doRequest(ctx, http.MethodGet, "/v1/refunds", requestOpts{query: q})
}

// RefundStats returns aggregate refund totals.
func (c *Client) RefundStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/refunds/stats", requestOpts{})
}

// DecideRefund approves or denies a pending refund as the configured admin.
func (c *Client) DecideRefund(ctx context.Context, id uint64, approve bool, note string) (json.RawMessage, error) {
	action := "/deny"
	if approve {
		action = "/approve"
	}
	return c.doRequest(ctx, http.MethodPost, idPath("/v1/admin/refunds/", id, action), requestOpts{
		body:  map[string]any{"note": note},
		admin: true,
	})
}
