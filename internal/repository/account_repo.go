package repository

import (
	"context"
	"errors"
	"time"

	"corebank/internal/apperr"
	"corebank/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create 仅用于开户数据初始化和测试夹具
func (r *AccountRepository) Create(ctx context.Context, account *model.Account) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.New(apperr.KindValidation, "账号已存在: %s", account.AccountNumber)
		}
		return apperr.Storage(err, "创建账户失败")
	}
	return nil
}

// GetByAccountNumber 无锁读取，只用于查询
func (r *AccountRepository) GetByAccountNumber(ctx context.Context, accountNumber string) (*model.Account, error) {
	return r.find(r.db.WithContext(ctx), accountNumber)
}

// LockForUpdate 在事务内加行锁读取账户（SELECT ... FOR UPDATE）
func (r *AccountRepository) LockForUpdate(ctx context.Context, tx *gorm.DB, accountNumber string) (*model.Account, error) {
	return r.find(tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), accountNumber)
}

func (r *AccountRepository) find(db *gorm.DB, accountNumber string) (*model.Account, error) {
	var account model.Account
	err := db.Where("account_number = ?", accountNumber).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindAccountNotFound, "账户不存在: %s", accountNumber)
		}
		return nil, apperr.Storage(err, "查询账户失败")
	}
	return &account, nil
}

// UpdateBalance 以版本号做 CAS 更新余额
//
// 账户锁已经保证同一账户串行，这里的版本校验是最后一道防线：
// Redis 锁租约在处理中途过期时，版本不匹配返回 Conflict，整个工作单元回滚重试。
func (r *AccountRepository) UpdateBalance(
	ctx context.Context,
	tx *gorm.DB,
	account *model.Account,
	newCurrent, newAvailable decimal.Decimal,
	at time.Time,
) error {
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_number = ? AND version = ?", account.AccountNumber, account.Version).
		Updates(map[string]interface{}{
			"current_balance":       newCurrent,
			"available_balance":     newAvailable,
			"last_transaction_date": at,
			"version":               gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return apperr.Storage(result.Error, "更新账户余额失败")
	}

	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindConflict, "账户 %s 版本已变化，请重试", account.AccountNumber)
	}

	account.CurrentBalance = newCurrent
	account.AvailableBalance = newAvailable
	account.LastTransactionDate = &at
	account.Version++
	return nil
}
