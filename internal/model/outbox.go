package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 事务消息表
// 与流水在同一个数据库事务中写入，由 OutboxSender 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"` // 账号，保证同一账户消息有序
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// TransactionPostedEvent 流水入账事件
type TransactionPostedEvent struct {
	TransactionID     int64  `json:"transaction_id"`
	ReferenceNumber   string `json:"reference_number"`
	AccountNumber     string `json:"account_number"`
	TransactionType   string `json:"transaction_type"`
	Direction         string `json:"direction"`
	Amount            string `json:"amount"`
	BalanceAfter      string `json:"balance_after"`
	TransferReference string `json:"transfer_reference,omitempty"`
	Status            string `json:"status"`
	PostedAt          string `json:"posted_at"`
}

func NewTransactionPostedEvent(t *Transaction) TransactionPostedEvent {
	return TransactionPostedEvent{
		TransactionID:     t.ID,
		ReferenceNumber:   t.ReferenceNumber,
		AccountNumber:     t.AccountNumber,
		TransactionType:   string(t.TransactionType),
		Direction:         string(t.Direction),
		Amount:            t.Amount.StringFixed(2),
		BalanceAfter:      t.BalanceAfter.StringFixed(2),
		TransferReference: t.TransferReference,
		Status:            string(t.Status),
		PostedAt:          t.TransactionDate.Format(time.RFC3339),
	}
}
