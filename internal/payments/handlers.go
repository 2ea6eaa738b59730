package payments

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskescrow/internal/address"
	"github.com/mbd888/taskescrow/internal/chain"
	"github.com/mbd888/taskescrow/internal/escrow"
	"github.com/mbd888/taskescrow/internal/events"
	"github.com/mbd888/taskescrow/internal/idgen"
	"github.com/mbd888/taskescrow/internal/pagination"
)

// Handler provides the HTTP application API.
type Handler struct {
	service *Service
	runner  *Runner
	audit   events.AuditLog
}

// NewHandler creates a Handler. runner and audit may be nil, which
// disables async settlement and thread history respectively.
func NewHandler(service *Service, runner *Runner, audit events.AuditLog) *Handler {
	return &Handler{service: service, runner: runner, audit: audit}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/tasks/:taskId/payments", h.ListTaskPayments)
	r.GET("/escrows/:taskId", h.GetEscrow)
	r.GET("/accounts/:account/address", h.ResolveAccount)
	r.GET("/threads/:threadId/events", h.ListThreadEvents)
}

// RegisterProtectedRoutes sets up routes that move funds.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.POST("/payments/:id/authorize", h.AuthorizePayment)
	r.POST("/payments/:id/release", h.ReleasePayment)
	r.POST("/payments/:id/refund", h.RefundPayment)
}

// SignerRequest optionally overrides the signing key of a ledger call.
type SignerRequest struct {
	PrivateKey string `json:"private_key"`
	KeySeed    string `json:"key_seed"`
}

func (s SignerRequest) options() chain.TxOptions {
	return chain.TxOptions{PrivateKey: s.PrivateKey, KeySeed: s.KeySeed}
}

// ReleaseRequest is the body of POST /payments/:id/release.
type ReleaseRequest struct {
	SignerRequest
	Notes string `json:"notes"`
}

// RefundRequest is the body of POST /payments/:id/refund.
type RefundRequest struct {
	SignerRequest
	Reason string `json:"reason"`
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req escrow.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		req.PaymentID = idgen.WithPrefix("pay_")
	}

	p, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, p, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// AuthorizePayment handles POST /v1/payments/:id/authorize
func (h *Handler) AuthorizePayment(c *gin.Context) {
	var req SignerRequest
	if !bindOptional(c, &req) {
		return
	}
	h.run(c, OpAuthorize, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.Authorize(ctx, id, req.options())
	})
}

// ReleasePayment handles POST /v1/payments/:id/release
func (h *Handler) ReleasePayment(c *gin.Context) {
	var req ReleaseRequest
	if !bindOptional(c, &req) {
		return
	}
	h.run(c, OpRelease, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.Release(ctx, id, req.Notes, req.options())
	})
}

// RefundPayment handles POST /v1/payments/:id/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	var req RefundRequest
	if !bindOptional(c, &req) {
		return
	}
	h.run(c, OpRefund, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.Refund(ctx, id, req.Reason, req.options())
	})
}

// run executes a settlement inline, or on the runner with ?async=true.
func (h *Handler) run(c *gin.Context, op string, call func(ctx context.Context, id string) (*Payment, error)) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if async, _ := strconv.ParseBool(c.Query("async")); async && h.runner != nil {
		current, err := h.service.Get(ctx, id)
		if err != nil {
			writeError(c, nil, err)
			return
		}
		err = h.runner.Go(ctx, op+" "+id, func(ctx context.Context) error {
			_, err := call(ctx, id)
			return err
		})
		if err != nil {
			writeError(c, current, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"payment": current, "async": true})
		return
	}

	p, err := call(ctx, id)
	if err != nil {
		writeError(c, p, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListTaskPayments handles GET /v1/tasks/:taskId/payments
func (h *Handler) ListTaskPayments(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	limit := queryLimit(c)

	list, err := h.service.ListByTask(c.Request.Context(), c.Param("taskId"), limit+1, After(after))
	if err != nil {
		writeError(c, nil, err)
		return
	}
	page, next, more := pagination.ComputePage(list, limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"payments":    page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    more,
	})
}

// GetEscrow handles GET /v1/escrows/:taskId
func (h *Handler) GetEscrow(c *gin.Context) {
	taskID := c.Param("taskId")
	e, err := h.service.Manager().Inspect(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":     e,
		"amount":     chain.FromSmallestUnit(e.Amount),
		"status":     e.Status.String(),
		"app_status": escrow.MapStatus(e.Status),
	})
}

// ResolveAccount handles GET /v1/accounts/:account/address
func (h *Handler) ResolveAccount(c *gin.Context) {
	account := c.Param("account")
	addr, err := address.Resolve(account)
	if err != nil {
		writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "address": addr.Hex()})
}

// ListThreadEvents handles GET /v1/threads/:threadId/events
func (h *Handler) ListThreadEvents(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Event history is disabled"})
		return
	}
	msgs, err := h.audit.ListByThread(c.Request.Context(), c.Param("threadId"), queryLimit(c))
	if err != nil {
		writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": msgs, "count": len(msgs)})
}

func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	return limit
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{address.ErrInvalidFormat, http.StatusBadRequest, "invalid_address"},
	{chain.ErrInvalidFeeConfiguration, http.StatusBadRequest, "invalid_fee_configuration"},
	{chain.ErrInvalidQuorum, http.StatusBadRequest, "invalid_quorum"},
	{chain.ErrAmountBelowMinimum, http.StatusBadRequest, "amount_below_minimum"},
	{chain.ErrInvalidPrivateKey, http.StatusBadRequest, "invalid_request"},
	{escrow.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{ErrPaymentNotFound, http.StatusNotFound, "not_found"},
	{chain.ErrEscrowNotFound, http.StatusNotFound, "escrow_not_found"},
	{ErrDuplicatePayment, http.StatusConflict, "duplicate_payment"},
	{ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{chain.ErrTransactionReverted, http.StatusConflict, "transaction_reverted"},
	{chain.ErrTransactionPending, http.StatusAccepted, "transaction_pending"},
	{escrow.ErrOffline, http.StatusServiceUnavailable, "ledger_offline"},
	{ErrRunnerBusy, http.StatusServiceUnavailable, "busy"},
}

// writeError maps err onto the JSON error contract. p, when present, is
// the last persisted payment state.
func writeError(c *gin.Context, p *Payment, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			status, code = m.status, m.code
			break
		}
	}
	body := gin.H{"error": code, "message": err.Error()}
	if reason := chain.RevertReason(err); reason != "" {
		body["reason"] = reason
	}
	if p != nil {
		body["payment"] = p
	}
	c.JSON(status, body)
}
