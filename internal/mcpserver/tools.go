package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.
// Amounts and ids are strings so 64-bit values survive JSON number handling.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your account's available balance for an asset. "+
			"Funds locked in escrow are not included."),
	mcp.WithNumber("asset",
		mcp.Description("Asset tag (default 1)")),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Lock funds from your account in escrow for a receiver. "+
			"The funds move to the receiver only when you release the escrow; cancelling returns them to you. "+
			"Supply an idempotency_key when retrying so a retry never locks funds twice."),
	mcp.WithString("receiver",
		mcp.Required(),
		mcp.Description("Receiving account identifier")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in minor units as a decimal integer string, e.g. '100'")),
	mcp.WithNumber("asset",
		mcp.Description("Asset tag (default 1)")),
	mcp.WithString("conditions",
		mcp.Description("Free-text release conditions, e.g. 'delivery-confirmed'")),
	mcp.WithString("idempotency_key",
		mcp.Description("Client-chosen key making the create safe to retry")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription("Show one escrow with its status and parties."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription("List escrows where you are sender or receiver."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("locked", "settling", "released", "cancelled", "timed_out")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription(
		"Release a locked escrow, paying the receiver. This cannot be undone."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id")),
)

var ToolCancelEscrow = mcp.NewTool("cancel_escrow",
	mcp.WithDescription(
		"Cancel a locked escrow, returning the funds to the sender. This cannot be undone."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id")),
)

var ToolRequestRefund = mcp.NewTool("request_refund",
	mcp.WithDescription(
		"File a refund request against an escrow. An admin must approve it before funds are credited."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow the refund refers to")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in minor units as a decimal integer string")),
	mcp.WithString("reason",
		mcp.Description("Why the refund is requested")),
	mcp.WithString("idempotency_key",
		mcp.Description("Client-chosen key making the request safe to retry")),
)

var ToolGetRefund = mcp.NewTool("get_refund",
	mcp.WithDescription("Show one refund request and its status."),
	mcp.WithString("refund_id",
		mcp.Required(),
		mcp.Description("Refund request id")),
)

var ToolListRefunds = mcp.NewTool("list_refunds",
	mcp.WithDescription("List refund requests you filed."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("pending", "approved", "denied", "processing", "processed", "failed")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of requests to return (default 20)")),
)

var ToolRefundStats = mcp.NewTool("refund_stats",
	mcp.WithDescription("Show refund counts and totals by status across all requests."),
)

var ToolDecideRefund = mcp.NewTool("decide_refund",
	mcp.WithDescription(
		"Approve or deny a pending refund request. Requires admin credentials on the MCP server."),
	mcp.WithString("refund_id",
		mcp.Required(),
		mcp.Description("Refund request id")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("approve or deny"),
		mcp.Enum("approve", "deny")),
	mcp.WithString("note",
		mcp.Description("Note recorded with the decision")),
)
