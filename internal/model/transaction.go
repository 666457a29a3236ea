package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易类型 / 状态常量
// ============================================================================

type TransactionType string

const (
	TransactionTypeDebit       TransactionType = "DEBIT"
	TransactionTypeCredit      TransactionType = "CREDIT"
	TransactionTypeTransferOut TransactionType = "TRANSFER_OUT"
	TransactionTypeTransferIn  TransactionType = "TRANSFER_IN"
	TransactionTypeFee         TransactionType = "FEE"
	TransactionTypeInterest    TransactionType = "INTEREST"
	TransactionTypeReversal    TransactionType = "REVERSAL"
	TransactionTypeAdjustment  TransactionType = "ADJUSTMENT"
)

// ReferencePrefix 流水号前缀
func (t TransactionType) ReferencePrefix() string {
	switch t {
	case TransactionTypeDebit:
		return "DBT"
	case TransactionTypeCredit:
		return "CRT"
	case TransactionTypeTransferOut:
		return "TFO"
	case TransactionTypeTransferIn:
		return "TFI"
	case TransactionTypeFee:
		return "FEE"
	case TransactionTypeInterest:
		return "INT"
	case TransactionTypeReversal:
		return "REV"
	case TransactionTypeAdjustment:
		return "ADJ"
	}
	return "TXN"
}

// Direction 记账方向，决定金额对余额的符号
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

func (d Direction) Opposite() Direction {
	if d == DirectionCredit {
		return DirectionDebit
	}
	return DirectionCredit
}

type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "PENDING"
	TransactionStatusProcessing TransactionStatus = "PROCESSING"
	TransactionStatusCompleted  TransactionStatus = "COMPLETED"
	TransactionStatusFailed     TransactionStatus = "FAILED"
	TransactionStatusReversed   TransactionStatus = "REVERSED"
	TransactionStatusCancelled  TransactionStatus = "CANCELLED"
)

// ValidStatusTransitions 交易状态机
// COMPLETED -> REVERSED 只能由冲正操作触发，原流水金额字段不变
var ValidStatusTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending:    {TransactionStatusProcessing, TransactionStatusCancelled},
	TransactionStatusProcessing: {TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusCompleted:  {TransactionStatusReversed},
}

func CanTransitionTo(current, target TransactionStatus) bool {
	for _, s := range ValidStatusTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

type ReconciliationStatus string

const (
	ReconciliationStatusPending     ReconciliationStatus = "PENDING"
	ReconciliationStatusReconciled  ReconciliationStatus = "RECONCILED"
	ReconciliationStatusDiscrepancy ReconciliationStatus = "DISCREPANCY"
	ReconciliationStatusExcluded    ReconciliationStatus = "EXCLUDED"
)

// ============================================================================
// 账户流水实体
// ============================================================================

// Transaction 账户流水表
//
// 【流水表设计原则】
// 1. 只追加：金额、余额快照创建后不再修改
// 2. 允许修改的只有对账字段，以及 COMPLETED -> REVERSED 状态
// 3. BalanceAfter = BalanceBefore + SignedAmount()，精确到分
// 4. 转账两条腿共用 TransferReference，并通过 RelatedTransactionID 互相指向
type Transaction struct {
	ID                   int64                `gorm:"primaryKey;autoIncrement:false" json:"id"` // 雪花ID，入库前分配
	ReferenceNumber      string               `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference_number"`
	AccountNumber        string               `gorm:"type:varchar(16);index:idx_account_day,priority:1;not null" json:"account_number"`
	TransactionType      TransactionType      `gorm:"type:varchar(20);not null" json:"transaction_type"`
	Direction            Direction            `gorm:"type:varchar(10);not null" json:"direction"`
	Amount               decimal.Decimal      `gorm:"type:decimal(15,2);not null" json:"amount"` // 正数，方向由 Direction 表示
	BalanceBefore        decimal.Decimal      `gorm:"type:decimal(15,2);not null" json:"balance_before"`
	BalanceAfter         decimal.Decimal      `gorm:"type:decimal(15,2);not null" json:"balance_after"`
	TransactionDate      time.Time            `gorm:"not null" json:"transaction_date"`
	BusinessDate         string               `gorm:"type:char(10);index:idx_account_day,priority:2;not null" json:"business_date"` // yyyy-MM-dd，日限额按此统计
	Description          string               `gorm:"type:varchar(500)" json:"description"`
	TransferReference    string               `gorm:"type:varchar(64);index" json:"transfer_reference,omitempty"`
	RelatedTransactionID *int64               `json:"related_transaction_id,omitempty"`
	Status               TransactionStatus    `gorm:"type:varchar(20);not null" json:"status"`
	ReconciliationStatus ReconciliationStatus `gorm:"type:varchar(20);index;not null;default:PENDING" json:"reconciliation_status"`
	ReconciliationDate   *time.Time           `json:"reconciliation_date,omitempty"`
	ReconciledBy         string               `gorm:"type:varchar(100)" json:"reconciled_by,omitempty"`
	CreatedAt            time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

func (Transaction) TableName() string {
	return "account_transaction"
}

// SignedAmount 按记账方向带符号的金额
func (t *Transaction) SignedAmount() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// BalanceConsistent 校验余额快照与金额是否吻合
func (t *Transaction) BalanceConsistent() bool {
	return t.BalanceBefore.Add(t.SignedAmount()).Round(2).Equal(t.BalanceAfter.Round(2))
}

func (t *Transaction) AffectsBalance() bool {
	return t.Status == TransactionStatusCompleted && t.TransactionType != TransactionTypeReversal
}

func (t *Transaction) IsReversible() bool {
	return t.Status == TransactionStatusCompleted &&
		t.TransactionType != TransactionTypeReversal &&
		t.ReconciliationStatus == ReconciliationStatusPending
}

// Advance 按状态机推进状态，非法迁移返回 false 且不修改
func (t *Transaction) Advance(target TransactionStatus) bool {
	if !CanTransitionTo(t.Status, target) {
		return false
	}
	t.Status = target
	return true
}

// DirectionOf 固定类型的记账方向；REVERSAL / ADJUSTMENT 由调用方显式指定
func DirectionOf(t TransactionType) Direction {
	switch t {
	case TransactionTypeCredit, TransactionTypeTransferIn, TransactionTypeInterest:
		return DirectionCredit
	default:
		return DirectionDebit
	}
}
