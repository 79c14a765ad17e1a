package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/lockdrop/internal/account"
)

const defaultEventLimit = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// targetAccount returns the "account" argument or the client's own account.
func (h *Handlers) targetAccount(req mcp.CallToolRequest) (string, error) {
	acct := strings.TrimSpace(req.GetString("account", ""))
	if acct == "" {
		acct = h.client.Account()
	}
	if acct == "" {
		return "", errors.New("account is required")
	}
	if !account.Valid(acct) {
		return "", fmt.Errorf("%q is not a valid account", acct)
	}
	return acct, nil
}

// HandleCheckLockedBalance returns an account's locked balance.
func (h *Handlers) HandleCheckLockedBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	acct, err := h.targetAccount(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.GetBalance(ctx, acct)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetLock returns an account's lock record.
func (h *Handlers) HandleGetLock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	acct, err := h.targetAccount(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.GetLock(ctx, acct)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return mcp.NewToolResultText(fmt.Sprintf("%s has nothing locked.", acct)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get lock: %v", err)), nil
	}

	var resp struct {
		Lock map[string]any `json:"lock"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Lock == nil {
		return mcp.NewToolResultError("Failed to parse lock"), nil
	}
	return mcp.NewToolResultText(formatLock(resp.Lock)), nil
}

// HandleGetTotalLocked returns the ledger summary.
func (h *Handlers) HandleGetTotalLocked(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetLedger(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get ledger: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse ledger: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total locked: %s UNIT\n", getString(resp, "totalLocked"))
	fmt.Fprintf(&sb, "Lock owners:  %s\n", getString(resp, "owners"))
	if p := getString(resp, "topUpPolicy"); p != "" {
		fmt.Fprintf(&sb, "Top-up policy: %s\n", p)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleLockFunds locks value for the configured account.
func (h *Handlers) HandleLockFunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := strings.TrimSpace(req.GetString("amount", ""))
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	unlockAt := strings.TrimSpace(req.GetString("unlock_at", ""))
	if unlockAt != "" {
		if _, err := time.Parse(time.RFC3339, unlockAt); err != nil {
			return mcp.NewToolResultError("unlock_at must be an RFC 3339 timestamp"), nil
		}
	}

	raw, err := h.client.Lock(ctx, LockParams{
		Amount:    amount,
		UnlockAt:  unlockAt,
		DepositTx: strings.TrimSpace(req.GetString("deposit_tx", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Lock failed: %v", err)), nil
	}

	var resp struct {
		Lock        map[string]any `json:"lock"`
		TotalLocked string         `json:"totalLocked"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Lock == nil {
		return mcp.NewToolResultError("Failed to parse lock result"), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Locked %s UNIT.\n\n", amount)
	sb.WriteString(formatLock(resp.Lock))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReleaseFunds releases the configured account's lock.
func (h *Handlers) HandleReleaseFunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Release(ctx)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case "no_locked_funds":
				return mcp.NewToolResultError("Nothing is locked for your account."), nil
			case "lock_not_matured":
				return mcp.NewToolResultError(fmt.Sprintf("Your lock has not matured yet: %s", apiErr.Message)), nil
			}
		}
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse release result: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Released %s UNIT to %s.\n", getString(resp, "amount"), getString(resp, "owner"))
	if ref := getString(resp, "reference"); ref != "" {
		fmt.Fprintf(&sb, "Settlement reference: %s\n", ref)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListLockEvents pages through the event log.
func (h *Handlers) HandleListLockEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := EventQuery{
		Owner:  strings.TrimSpace(req.GetString("account", "")),
		Type:   req.GetString("type", ""),
		Limit:  req.GetInt("limit", defaultEventLimit),
		Cursor: req.GetString("cursor", ""),
	}
	if q.Owner != "" && !account.Valid(q.Owner) {
		return mcp.NewToolResultError(fmt.Sprintf("%q is not a valid account", q.Owner)), nil
	}

	raw, err := h.client.ListEvents(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}

	text, err := formatEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	return fmt.Sprintf("Locked balance of %s: %s UNIT\n", getString(resp, "owner"), getString(resp, "balance")), nil
}

func formatLock(lock map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Owner:     %s\n", getString(lock, "owner"))
	fmt.Fprintf(&sb, "Amount:    %s UNIT\n", getString(lock, "amount"))
	fmt.Fprintf(&sb, "State:     %s\n", getString(lock, "state"))
	if u := getString(lock, "unlockAt"); u != "" {
		fmt.Fprintf(&sb, "Unlock at: %s\n", u)
	} else {
		sb.WriteString("Unlock at: no restriction\n")
	}
	return sb.String()
}

func formatEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Events     []map[string]any `json:"events"`
		HasMore    bool             `json:"hasMore"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return "No lock events found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d events:\n", len(resp.Events))
	for _, e := range resp.Events {
		fmt.Fprintf(&sb, "  #%s %-8s %s %s UNIT at %s",
			getString(e, "seq"), getString(e, "type"), getString(e, "owner"),
			getString(e, "amount"), getString(e, "at"))
		if u := getString(e, "unlockAt"); u != "" {
			fmt.Fprintf(&sb, " (unlocks %s)", u)
		}
		sb.WriteByte('\n')
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore events available. Next cursor: %s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
