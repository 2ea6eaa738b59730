package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCreatePayment records a payment.
func (h *Handlers) HandleCreatePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in, err := createInput(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.CreatePayment(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create payment: %v", err)), nil
	}
	return paymentResult(raw, "Payment created. Call authorize_payment to fund the escrow.")
}

// createInput maps tool arguments onto the API body. Escrow terms travel
// in metadata and are only set when the caller supplied them.
func createInput(req mcp.CallToolRequest) (CreatePaymentInput, error) {
	in := CreatePaymentInput{
		PaymentID:   req.GetString("payment_id", ""),
		FromAccount: req.GetString("from_account", ""),
		ToAccount:   req.GetString("to_account", ""),
		Amount:      req.GetString("amount", ""),
		Currency:    "HBAR",
		Description: req.GetString("description", ""),
		Metadata:    map[string]any{},
	}
	taskID := req.GetString("task_id", "")
	switch {
	case taskID == "":
		return in, fmt.Errorf("task_id is required")
	case in.ToAccount == "":
		return in, fmt.Errorf("to_account is required")
	case in.Amount == "":
		return in, fmt.Errorf("amount is required")
	}
	if _, err := decimal.NewFromString(in.Amount); err != nil {
		return in, fmt.Errorf("amount %q is not a number", in.Amount)
	}
	in.Metadata["task_id"] = taskID

	if raw := req.GetString("verifier_addresses", ""); raw != "" {
		var verifiers []string
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				verifiers = append(verifiers, v)
			}
		}
		in.Metadata["verifier_addresses"] = verifiers
	}

	args := req.GetArguments()
	for _, key := range []string{"approvals_required", "marketplace_fee_bps", "verifier_fee_bps"} {
		v, ok := args[key]
		if !ok || v == nil {
			continue
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return in, fmt.Errorf("%s must be an integer", key)
		}
		in.Metadata[key] = n
	}
	return in, nil
}

// HandleAuthorizePayment funds the escrow.
func (h *Handlers) HandleAuthorizePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}
	async := req.GetBool("async", false)

	raw, err := h.client.AuthorizePayment(ctx, id, async)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Authorization failed: %v", err)), nil
	}
	return paymentResult(raw, settleHeadline("Escrow funded.", async))
}

// HandleReleasePayment casts a release vote.
func (h *Handlers) HandleReleasePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}
	async := req.GetBool("async", false)

	raw, err := h.client.ReleasePayment(ctx, id, req.GetString("notes", ""), async)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}
	return paymentResult(raw, settleHeadline("Release vote recorded.", async))
}

// HandleRefundPayment casts a refund vote.
func (h *Handlers) HandleRefundPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	async := req.GetBool("async", false)

	raw, err := h.client.RefundPayment(ctx, id, reason, async)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund failed: %v", err)), nil
	}
	return paymentResult(raw, settleHeadline("Refund vote recorded.", async))
}

// HandleGetPayment shows one payment.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.GetPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}
	return paymentResult(raw, "")
}

// HandleListTaskPayments lists payments of a task.
func (h *Handlers) HandleListTaskPayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	raw, err := h.client.ListTaskPayments(ctx, taskID, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payments: %v", err)), nil
	}

	text, err := formatPaymentList(taskID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payments: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetEscrow reads the on-ledger escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read escrow: %v", err)), nil
	}

	text, err := formatEscrow(taskID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func settleHeadline(done string, async bool) string {
	if async {
		return "Submitted; the ledger transaction completes in the background. Check progress with get_payment."
	}
	return done
}

// --- Formatting ---

type paymentView struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	FromAgentID   string          `json:"from_agent_id"`
	ToAgentID     string          `json:"to_agent_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transaction_id"`
	PendingOp     string          `json:"pending_op"`
	PendingTxID   string          `json:"pending_tx_id"`
	Messages      map[string]struct {
		ThreadID string `json:"thread_id"`
	} `json:"messages"`
}

func paymentResult(raw json.RawMessage, headline string) (*mcp.CallToolResult, error) {
	var resp struct {
		Payment *paymentView `json:"payment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Payment == nil {
		return mcp.NewToolResultError("Unexpected response: " + formatJSON(raw)), nil
	}

	var sb strings.Builder
	if headline != "" {
		sb.WriteString(headline + "\n\n")
	}
	writePayment(&sb, resp.Payment)
	return mcp.NewToolResultText(sb.String()), nil
}

func writePayment(sb *strings.Builder, p *paymentView) {
	fmt.Fprintf(sb, "Payment: %s\n", p.ID)
	fmt.Fprintf(sb, "Task: %s\n", p.TaskID)
	fmt.Fprintf(sb, "Amount: %s %s\n", p.Amount.String(), p.Currency)
	fmt.Fprintf(sb, "From: %s -> To: %s\n", p.FromAgentID, p.ToAgentID)
	fmt.Fprintf(sb, "Status: %s\n", p.Status)
	if p.TransactionID != "" {
		fmt.Fprintf(sb, "Transaction: %s\n", p.TransactionID)
	}
	if p.PendingTxID != "" {
		fmt.Fprintf(sb, "Pending %s: %s\n", p.PendingOp, p.PendingTxID)
	}
	if len(p.Messages) > 0 {
		types := make([]string, 0, len(p.Messages))
		thread := ""
		for t, m := range p.Messages {
			types = append(types, t)
			thread = m.ThreadID
		}
		sort.Strings(types)
		fmt.Fprintf(sb, "Messages: %s\n", strings.Join(types, ", "))
		fmt.Fprintf(sb, "Thread: %s\n", thread)
	}
}

func formatPaymentList(taskID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Payments []*paymentView `json:"payments"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Payments) == 0 {
		return fmt.Sprintf("No payments recorded for task %s.", taskID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d payment(s) for task %s:\n", len(resp.Payments), taskID)
	for _, p := range resp.Payments {
		fmt.Fprintf(&sb, "- %s: %s %s, %s", p.ID, p.Amount.String(), p.Currency, p.Status)
		if p.TransactionID != "" {
			fmt.Fprintf(&sb, " (tx %s)", p.TransactionID)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatEscrow(taskID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Amount    decimal.Decimal `json:"amount"`
		Status    string          `json:"status"`
		AppStatus string          `json:"app_status"`
		Escrow    map[string]any  `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow for task %s\n", taskID)
	fmt.Fprintf(&sb, "Amount: %s HBAR\n", resp.Amount.String())
	fmt.Fprintf(&sb, "Ledger status: %s (payment status %s)\n", resp.Status, resp.AppStatus)
	if resp.Escrow != nil {
		fmt.Fprintf(&sb, "Approvals: %d release / %d refund of %d required\n",
			cast.ToInt(resp.Escrow["release_approvals"]),
			cast.ToInt(resp.Escrow["refund_approvals"]),
			cast.ToInt(resp.Escrow["approvals_required"]),
		)
	}
	return sb.String(), nil
}

// formatJSON pretty-prints raw JSON, falling back to the raw string.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
