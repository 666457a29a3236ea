package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus 账户状态
type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "ACTIVE"
	AccountStatusClosed  AccountStatus = "CLOSED"
	AccountStatusFrozen  AccountStatus = "FROZEN"
	AccountStatusDormant AccountStatus = "DORMANT"
)

// AccountType 账户类型：活期、储蓄、贷款
type AccountType string

const (
	AccountTypeChecking AccountType = "CHK"
	AccountTypeSavings  AccountType = "SAV"
	AccountTypeLoan     AccountType = "LON"
)

// Account 账户表
// 余额字段只允许账务引擎在同一个事务内随流水一起修改
type Account struct {
	ID                  int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountNumber       string          `gorm:"type:varchar(16);uniqueIndex;not null" json:"account_number"`
	AccountName         string          `gorm:"type:varchar(60);not null;default:''" json:"account_name"`
	AccountType         AccountType     `gorm:"type:varchar(3);not null;default:CHK" json:"account_type"`
	CurrentBalance      decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"current_balance"`
	AvailableBalance    decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"available_balance"` // 当前余额减去冻结金额
	OverdraftLimit      decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"overdraft_limit"`   // 透支额度，0 表示不允许透支
	Status              AccountStatus   `gorm:"type:varchar(10);index;not null;default:ACTIVE" json:"status"`
	CurrencyCode        string          `gorm:"type:char(3);not null;default:USD" json:"currency_code"`
	OpenDate            time.Time       `json:"open_date"`
	LastTransactionDate *time.Time      `json:"last_transaction_date"`
	Version             int64           `gorm:"not null;default:0" json:"version"` // 每次余额变动 +1
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

func (a *Account) IsFrozen() bool {
	return a.Status == AccountStatusFrozen
}

// CanTransact 只有正常状态的账户可以记账
func (a *Account) CanTransact() bool {
	return a.IsActive() && !a.IsFrozen()
}

// CanCover 判断扣款后是否仍在透支额度内
func (a *Account) CanCover(amount decimal.Decimal) bool {
	return a.CurrentBalance.Add(a.OverdraftLimit).GreaterThanOrEqual(amount)
}
