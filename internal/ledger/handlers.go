package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for balances and deposits
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up public ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts/:account", validation.AccountParamMiddleware())
	accounts.GET("/balances/:asset", h.GetBalance)
	accounts.GET("/entries", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:account/deposits", validation.AccountParamMiddleware(), h.Deposit)
}

// GetBalance handles GET /accounts/:account/balances/:asset
func (h *Handler) GetBalance(c *gin.Context) {
	account := c.Param("account")
	asset, err := strconv.ParseUint(c.Param("asset"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset", "message": "asset must be an unsigned 32-bit integer"})
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), account, uint32(asset))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": Balance{Account: account, AssetTag: uint32(asset), Available: bal}})
}

// GetHistory handles GET /accounts/:account/entries
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.ledger.History(c.Request.Context(), c.Param("account"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// DepositRequest funds an account. Reference defaults to a fresh id, so
// callers that may retry should set it.
type DepositRequest struct {
	AssetTag  uint32 `json:"assetTag"`
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference"`
}

// Deposit handles POST /admin/accounts/:account/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.Reference == "" {
		req.Reference = idgen.WithPrefix("dep_")
	}

	account := c.Param("account")
	if err := h.ledger.Deposit(c.Request.Context(), account, req.Amount, req.AssetTag, req.Reference); err != nil {
		h.respondError(c, err)
		return
	}

	bal, _ := h.ledger.GetBalance(c.Request.Context(), account, req.AssetTag)
	h.logger.Info("deposit credited", "account", account, "asset", req.AssetTag, "amount", req.Amount, "reference", req.Reference)
	c.JSON(http.StatusCreated, gin.H{
		"reference": req.Reference,
		"balance":   Balance{Account: account, AssetTag: req.AssetTag, Available: bal},
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if errors.Is(err, ErrInsufficientBalance) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance", "message": err.Error()})
		return
	}
	status, code := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
