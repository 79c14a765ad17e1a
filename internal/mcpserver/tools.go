package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the lockdrop MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckLockedBalance = mcp.NewTool("check_locked_balance",
	mcp.WithDescription(
		"Check how many UNIT an account currently has locked. "+
			"Defaults to your own account."),
	mcp.WithString("account",
		mcp.Description("Account address (0x + 40 hex chars, or base58). Omit for your own account.")),
)

var ToolGetLock = mcp.NewTool("get_lock",
	mcp.WithDescription(
		"Get an account's lock: amount, unlock time, and whether it has matured "+
			"(state 'matured' means it can be released now)."),
	mcp.WithString("account",
		mcp.Description("Account address. Omit for your own account.")),
)

var ToolGetTotalLocked = mcp.NewTool("get_total_locked",
	mcp.WithDescription(
		"Get the total UNIT held in custody across all accounts, the number of lock owners, "+
			"and the ledger's top-up policy."),
)

var ToolLockFunds = mcp.NewTool("lock_funds",
	mcp.WithDescription(
		"Lock UNIT from your account until an unlock time. Locking again while a lock exists "+
			"adds to it; how the unlock time changes depends on the server's top-up policy. "+
			"Locked funds cannot be released before the unlock time."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in UNIT to lock (e.g. '1000' or '1.5')")),
	mcp.WithString("unlock_at",
		mcp.Description("RFC 3339 unlock time (e.g. '2026-12-31T00:00:00Z'). Omit to use the server default.")),
	mcp.WithString("deposit_tx",
		mcp.Description("Hash of the deposit transaction that sent the value to custody (chain settlement only)")),
)

var ToolReleaseFunds = mcp.NewTool("release_funds",
	mcp.WithDescription(
		"Release your whole lock back to your account. Fails if nothing is locked "+
			"or the unlock time has not been reached."),
)

var ToolListLockEvents = mcp.NewTool("list_lock_events",
	mcp.WithDescription(
		"List Locked, Released and Matured events from the ledger's event log, oldest first. "+
			"Pass the returned cursor to fetch the next page."),
	mcp.WithString("account",
		mcp.Description("Only events for this account")),
	mcp.WithString("type",
		mcp.Description("Only events of this type"),
		mcp.Enum("locked", "released", "matured")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page")),
)
