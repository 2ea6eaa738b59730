package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreatePayment = mcp.NewTool("create_payment",
	mcp.WithDescription(
		"Record a task payment and its proposal. Nothing is moved on the ledger yet; "+
			"call authorize_payment to fund the escrow."),
	mcp.WithString("task_id",
		mcp.Required(),
		mcp.Description("Task identifier the escrow is keyed by")),
	mcp.WithString("to_account",
		mcp.Required(),
		mcp.Description("Worker account: an EVM address (0x...) or a Hedera account id (0.0.N)")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in whole HBAR (e.g. '1.5')")),
	mcp.WithString("payment_id",
		mcp.Description("Optional payment id; generated when omitted")),
	mcp.WithString("from_account",
		mcp.Description("Paying agent id; defaults to the configured payer")),
	mcp.WithString("verifier_addresses",
		mcp.Description("Comma-separated verifier addresses. Defaults to the server's verifier set.")),
	mcp.WithNumber("approvals_required",
		mcp.Description("Verifier approvals needed to settle")),
	mcp.WithNumber("marketplace_fee_bps",
		mcp.Description("Marketplace fee in basis points")),
	mcp.WithNumber("verifier_fee_bps",
		mcp.Description("Verifier fee in basis points")),
	mcp.WithString("description",
		mcp.Description("Free-text description of the work")),
)

var ToolAuthorizePayment = mcp.NewTool("authorize_payment",
	mcp.WithDescription(
		"Fund the escrow for a created payment. The full amount is locked on the ledger "+
			"until verifiers release or refund it."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id returned by create_payment")),
	mcp.WithBoolean("async",
		mcp.Description("Return immediately and settle in the background")),
)

var ToolReleasePayment = mcp.NewTool("release_payment",
	mcp.WithDescription(
		"Cast a verifier vote to release escrowed funds to the worker. "+
			"The payment completes once enough verifiers have approved."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id")),
	mcp.WithString("notes",
		mcp.Description("Verification notes recorded with the release")),
	mcp.WithBoolean("async",
		mcp.Description("Return immediately and settle in the background")),
)

var ToolRefundPayment = mcp.NewTool("refund_payment",
	mcp.WithDescription(
		"Cast a verifier vote to refund escrowed funds to the client. "+
			"Use this when the work failed verification."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the work was rejected")),
	mcp.WithBoolean("async",
		mcp.Description("Return immediately and settle in the background")),
)

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription("Show a payment's status, ledger transaction and recorded lifecycle messages."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id")),
)

var ToolListTaskPayments = mcp.NewTool("list_task_payments",
	mcp.WithDescription("List payments recorded for a task, newest first."),
	mcp.WithString("task_id",
		mcp.Required(),
		mcp.Description("Task identifier")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payments to return (default 20)")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription("Read the on-ledger escrow for a task: amount, status and vote counts."),
	mcp.WithString("task_id",
		mcp.Required(),
		mcp.Description("Task identifier")),
)
