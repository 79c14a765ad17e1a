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

// Config holds the configuration for connecting to a lockdrop server.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "sk_..."
	Account string // Account the key is bound to, e.g. "0x..."
}

// Client is a pure HTTP client for the lockdrop API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the lockdrop API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// Chain settlement waits for a confirmation before answering.
			Timeout: 3 * time.Minute,
		},
	}
}

// Account returns the account the client acts for.
func (c *Client) Account() string {
	return c.cfg.Account
}

// APIError is an error response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// doRequest makes an HTTP request to the server and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
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

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// GetBalance returns the locked balance of an account.
func (c *Client) GetBalance(ctx context.Context, account string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(account)+"/balance", nil, nil)
}

// GetLock returns an account's lock record.
func (c *Client) GetLock(ctx context.Context, account string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(account)+"/lock", nil, nil)
}

// GetLedger returns the ledger summary.
func (c *Client) GetLedger(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger", nil, nil)
}

// LockParams is the body of a lock call.
type LockParams struct {
	Amount    string `json:"amount"`
	Value     string `json:"value"`
	UnlockAt  string `json:"unlockAt,omitempty"`
	DepositTx string `json:"depositTx,omitempty"`
}

// Lock locks value for the configured account.
func (c *Client) Lock(ctx context.Context, p LockParams) (json.RawMessage, error) {
	if p.Value == "" {
		p.Value = p.Amount
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/lock", nil, p)
}

// Release returns the configured account's matured lock.
func (c *Client) Release(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/release", nil, nil)
}

// EventQuery filters ListEvents.
type EventQuery struct {
	Owner  string
	Type   string
	Limit  int
	Cursor string
}

// ListEvents pages through the lock event log.
func (c *Client) ListEvents(ctx context.Context, q EventQuery) (json.RawMessage, error) {
	v := url.Values{}
	if q.Owner != "" {
		v.Set("owner", q.Owner)
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/events", v, nil)
}
