package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const defaultAsset = 1

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance reports the available balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	asset, err := assetArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.GetBalance(ctx, asset)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp struct {
		Balance struct {
			Account   string `json:"account"`
			AssetTag  uint32 `json:"assetTag"`
			Available uint64 `json:"available"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	b := resp.Balance
	return mcp.NewToolResultText(fmt.Sprintf("Account %s holds %d of asset %d available.", b.Account, b.Available, b.AssetTag)), nil
}

// HandleCreateEscrow locks funds for a receiver.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	receiver := req.GetString("receiver", "")
	if receiver == "" {
		return mcp.NewToolResultError("receiver is required"), nil
	}
	amount, err := uintArg(req, "amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	asset, err := assetArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.CreateEscrow(ctx, receiver, amount, asset, req.GetString("conditions", ""), req.GetString("idempotency_key", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create escrow: %v", err)), nil
	}
	return escrowResult(raw, "Escrow created")
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return escrowResult(raw, "Escrow")
}

// HandleListEscrows lists the agent's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListEscrows(ctx, req.GetString("status", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	var resp struct {
		Escrows []escrowView `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	if len(resp.Escrows) == 0 {
		return mcp.NewToolResultText("No escrows found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(resp.Escrows))
	for _, e := range resp.Escrows {
		fmt.Fprintf(&sb, "- #%d %s: %d of asset %d, %s -> %s\n", e.ID, e.Status, e.Amount, e.AssetTag, e.Sender, e.Receiver)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReleaseEscrow pays the receiver.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := h.client.ReleaseEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to release escrow: %v", err)), nil
	}
	return escrowResult(raw, "Escrow released")
}

// HandleCancelEscrow refunds the sender.
func (h *Handlers) HandleCancelEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := h.client.CancelEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel escrow: %v", err)), nil
	}
	return escrowResult(raw, "Escrow cancelled")
}

// HandleRequestRefund files a refund request.
func (h *Handlers) HandleRequestRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID, err := uintArg(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	amount, err := uintArg(req, "amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.RequestRefund(ctx, escrowID, amount, req.GetString("reason", ""), req.GetString("idempotency_key", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to request refund: %v", err)), nil
	}
	return refundResult(raw, "Refund requested")
}

// HandleGetRefund shows one refund request.
func (h *Handlers) HandleGetRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "refund_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := h.client.GetRefund(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get refund: %v", err)), nil
	}
	return refundResult(raw, "Refund")
}

// HandleListRefunds lists the agent's refund requests.
func (h *Handlers) HandleListRefunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListRefunds(ctx, req.GetString("status", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list refunds: %v", err)), nil
	}

	var resp struct {
		Refunds []refundView `json:"refunds"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse refunds: %v", err)), nil
	}
	if len(resp.Refunds) == 0 {
		return mcp.NewToolResultText("No refund requests found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d refund request(s):\n\n", len(resp.Refunds))
	for _, r := range resp.Refunds {
		fmt.Fprintf(&sb, "- #%d %s: %d for escrow #%d\n", r.ID, r.Status, r.Amount, r.EscrowID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRefundStats shows refund totals.
func (h *Handlers) HandleRefundStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RefundStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get refund stats: %v", err)), nil
	}

	var resp struct {
		Stats struct {
			Total          int    `json:"total"`
			TotalRequested uint64 `json:"totalRequested"`
			TotalPending   uint64 `json:"totalPending"`
			TotalApproved  uint64 `json:"totalApproved"`
			TotalProcessed uint64 `json:"totalProcessed"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	s := resp.Stats
	return mcp.NewToolResultText(fmt.Sprintf(
		"Refund requests: %d\nRequested: %d\nPending: %d\nApproved: %d\nProcessed: %d",
		s.Total, s.TotalRequested, s.TotalPending, s.TotalApproved, s.TotalProcessed)), nil
}

// HandleDecideRefund approves or denies a refund as admin.
func (h *Handlers) HandleDecideRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "refund_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	decision := req.GetString("decision", "")
	if decision != "approve" && decision != "deny" {
		return mcp.NewToolResultError("decision must be approve or deny"), nil
	}

	raw, err := h.client.DecideRefund(ctx, id, decision == "approve", req.GetString("note", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s refund: %v", decision, err)), nil
	}
	return refundResult(raw, "Refund decided")
}

// --- Formatting helpers ---

type escrowView struct {
	ID         uint64 `json:"id"`
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	AssetTag   uint32 `json:"assetTag"`
	Amount     uint64 `json:"amount"`
	Conditions string `json:"conditions"`
	Status     string `json:"status"`
}

type refundView struct {
	ID           uint64 `json:"id"`
	EscrowID     uint64 `json:"escrowId"`
	RequestedBy  string `json:"requestedBy"`
	AssetTag     uint32 `json:"assetTag"`
	Amount       uint64 `json:"amount"`
	Status       string `json:"status"`
	AdminNote    string `json:"adminNote"`
	ErrorMessage string `json:"errorMessage"`
}

func escrowResult(raw json.RawMessage, title string) (*mcp.CallToolResult, error) {
	var resp struct {
		Escrow *escrowView `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	e := resp.Escrow

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: #%d\n", title, e.ID)
	fmt.Fprintf(&sb, "Status: %s\n", e.Status)
	fmt.Fprintf(&sb, "Amount: %d (asset %d)\n", e.Amount, e.AssetTag)
	fmt.Fprintf(&sb, "From: %s\nTo: %s\n", e.Sender, e.Receiver)
	if e.Conditions != "" {
		fmt.Fprintf(&sb, "Conditions: %s\n", e.Conditions)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func refundResult(raw json.RawMessage, title string) (*mcp.CallToolResult, error) {
	var resp struct {
		Refund *refundView `json:"refund"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Refund == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	r := resp.Refund

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: #%d\n", title, r.ID)
	fmt.Fprintf(&sb, "Status: %s\n", r.Status)
	fmt.Fprintf(&sb, "Amount: %d (asset %d) for escrow #%d\n", r.Amount, r.AssetTag, r.EscrowID)
	if r.AdminNote != "" {
		fmt.Fprintf(&sb, "Admin note: %s\n", r.AdminNote)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(&sb, "Error: %s\n", r.ErrorMessage)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// uintArg reads a required unsigned integer passed as a string.
func uintArg(req mcp.CallToolRequest, key string) (uint64, error) {
	v := strings.TrimSpace(req.GetString(key, ""))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func assetArg(req mcp.CallToolRequest) (uint32, error) {
	asset := req.GetInt("asset", defaultAsset)
	if asset < 0 || int64(asset) > int64(^uint32(0)) {
		return 0, fmt.Errorf("asset must be an unsigned 32-bit integer")
	}
	return uint32(asset), nil
}
