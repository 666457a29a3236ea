package handler

import (
	"errors"
	"time"

	"corebank/internal/apperr"
	"corebank/internal/model"
	"corebank/internal/money"
	"corebank/internal/service"
	"corebank/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger         *service.LedgerService
	accountService *service.AccountService
	logger         *zap.Logger
}

func NewHandler(ledger *service.LedgerService, accountService *service.AccountService, logger *zap.Logger) *Handler {
	return &Handler{
		ledger:         ledger,
		accountService: accountService,
		logger:         logger.Named("handler"),
	}
}

// TransactionView 流水响应，金额统一两位小数字符串
type TransactionView struct {
	ID                   int64   `json:"id"`
	ReferenceNumber      string  `json:"reference_number"`
	AccountNumber        string  `json:"account_number"`
	TransactionType      string  `json:"transaction_type"`
	Direction            string  `json:"direction"`
	Amount               string  `json:"amount"`
	BalanceBefore        string  `json:"balance_before"`
	BalanceAfter         string  `json:"balance_after"`
	TransactionDate      string  `json:"transaction_date"`
	BusinessDate         string  `json:"business_date"`
	Description          string  `json:"description,omitempty"`
	TransferReference    string  `json:"transfer_reference,omitempty"`
	RelatedTransactionID *int64  `json:"related_transaction_id,omitempty"`
	Status               string  `json:"status"`
	ReconciliationStatus string  `json:"reconciliation_status"`
	ReconciliationDate   *string `json:"reconciliation_date,omitempty"`
	ReconciledBy         string  `json:"reconciled_by,omitempty"`
}

func toView(t *model.Transaction) TransactionView {
	v := TransactionView{
		ID:                   t.ID,
		ReferenceNumber:      t.ReferenceNumber,
		AccountNumber:        t.AccountNumber,
		TransactionType:      string(t.TransactionType),
		Direction:            string(t.Direction),
		Amount:               t.Amount.StringFixed(2),
		BalanceBefore:        t.BalanceBefore.StringFixed(2),
		BalanceAfter:         t.BalanceAfter.StringFixed(2),
		TransactionDate:      t.TransactionDate.Format(time.RFC3339),
		BusinessDate:         t.BusinessDate,
		Description:          t.Description,
		TransferReference:    t.TransferReference,
		RelatedTransactionID: t.RelatedTransactionID,
		Status:               string(t.Status),
		ReconciliationStatus: string(t.ReconciliationStatus),
		ReconciledBy:         t.ReconciledBy,
	}
	if t.ReconciliationDate != nil {
		s := t.ReconciliationDate.Format(time.RFC3339)
		v.ReconciliationDate = &s
	}
	return v
}

func toViews(ts []*model.Transaction) []TransactionView {
	views := make([]TransactionView, 0, len(ts))
	for _, t := range ts {
		views = append(views, toView(t))
	}
	return views
}

// renderError 按错误类型映射业务码，系统错误不暴露内部信息
func (h *Handler) renderError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		h.logger.Error("未分类错误", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServerError(c, apperr.ErrStorage.Message)
		return
	}

	switch appErr.Kind {
	case apperr.KindValidation:
		response.ValidationError(c, appErr.Message, appErr.Details)
	case apperr.KindAccountNotFound:
		response.BusinessError(c, response.CodeAccountNotFound, appErr.Message)
	case apperr.KindAccountIneligible:
		response.BusinessError(c, response.CodeAccountIneligible, appErr.Message)
	case apperr.KindInsufficientFunds:
		response.BusinessError(c, response.CodeInsufficientFunds, appErr.Message)
	case apperr.KindLimitExceeded:
		response.BusinessError(c, response.CodeLimitExceeded, appErr.Message)
	case apperr.KindConflict, apperr.KindLockTimeout:
		response.BusinessError(c, response.CodeSystemBusy, apperr.ErrLockTimeout.Message)
	case apperr.KindTransactionNotFound:
		response.BusinessError(c, response.CodeTransactionNotFound, appErr.Message)
	case apperr.KindInvalidState:
		response.BusinessError(c, response.CodeInvalidState, appErr.Message)
	default:
		h.logger.Error("系统错误", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServerError(c, apperr.ErrStorage.Message)
	}
}

// ============================================================
// 记账接口
// ============================================================

// AmountRequest 存款 / 取款请求
type AmountRequest struct {
	AccountNumber string              `json:"account_number" binding:"required"`
	Amount        decimal.NullDecimal `json:"amount"`
	Description   string              `json:"description" binding:"max=500"`
}

// Deposit 存款
// POST /api/v1/transactions/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := money.Validate(req.Amount); err != nil {
		h.renderError(c, err)
		return
	}

	rec, err := h.ledger.Deposit(c.Request.Context(), req.AccountNumber, req.Amount.Decimal, req.Description)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, toView(rec))
}

// Withdraw 取款
// POST /api/v1/transactions/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := money.Validate(req.Amount); err != nil {
		h.renderError(c, err)
		return
	}

	rec, err := h.ledger.Withdraw(c.Request.Context(), req.AccountNumber, req.Amount.Decimal, req.Description)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, toView(rec))
}

type TransferRequest struct {
	SourceAccountNumber string              `json:"source_account_number" binding:"required"`
	TargetAccountNumber string              `json:"target_account_number" binding:"required"`
	Amount              decimal.NullDecimal `json:"amount"`
	Description         string              `json:"description" binding:"max=500"`
}

// Transfer 转账，返回两条腿
// POST /api/v1/transactions/transfer
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := money.Validate(req.Amount); err != nil {
		h.renderError(c, err)
		return
	}

	ctx := c.Request.Context()
	out, err := h.ledger.Transfer(ctx, req.SourceAccountNumber, req.TargetAccountNumber, req.Amount.Decimal, req.Description)
	if err != nil {
		h.renderError(c, err)
		return
	}

	legs, err := h.ledger.GetTransfer(ctx, out.TransferReference)
	if err != nil {
		// 转账已提交，查询失败时只返回转出方
		h.logger.Warn("查询转账流水失败", zap.String("transfer_reference", out.TransferReference), zap.Error(err))
		legs = []*model.Transaction{out}
	}
	response.Success(c, gin.H{
		"transfer_reference": out.TransferReference,
		"transactions":       toViews(legs),
	})
}

// ============================================================
// 流水查询 / 冲正 / 对账
// ============================================================

// GetTransaction GET /api/v1/transactions/:reference
func (h *Handler) GetTransaction(c *gin.Context) {
	rec, err := h.ledger.GetTransaction(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, toView(rec))
}

// GetTransfer GET /api/v1/transactions/transfer/:transferReference
func (h *Handler) GetTransfer(c *gin.Context) {
	legs, err := h.ledger.GetTransfer(c.Request.Context(), c.Param("transferReference"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, toViews(legs))
}

type ReversalRequest struct {
	Reason string `json:"reason" binding:"required,max=200"`
}

// Reverse POST /api/v1/transactions/:reference/reversal
func (h *Handler) Reverse(c *gin.Context) {
	var req ReversalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	reversals, err := h.ledger.Reverse(c.Request.Context(), c.Param("reference"), req.Reason)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, toViews(reversals))
}

type ReconcileRequest struct {
	Status       string `json:"status" binding:"required"`
	ReconciledBy string `json:"reconciled_by" binding:"required,max=100"`
}

// Reconcile POST /api/v1/transactions/:reference/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rec, err := h.ledger.Reconcile(c.Request.Context(), c.Param("reference"),
		model.ReconciliationStatus(req.Status), req.ReconciledBy)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, toView(rec))
}

// ============================================================
// 账户查询
// ============================================================

// GetAccount GET /api/v1/accounts/:accountNumber
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.accountService.GetAccount(c.Request.Context(), c.Param("accountNumber"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, account)
}

// GetBalance GET /api/v1/accounts/:accountNumber/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.accountService.GetBalance(c.Request.Context(), c.Param("accountNumber"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, balance)
}
