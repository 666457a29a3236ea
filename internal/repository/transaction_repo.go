package repository

import (
	"context"
	"errors"
	"time"

	"corebank/internal/apperr"
	"corebank/internal/model"
	"corebank/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionRepository 流水日志，只追加
type TransactionRepository struct {
	db         *gorm.DB
	refs       idgen.ReferenceGenerator
	maxRetries int
}

func NewTransactionRepository(db *gorm.DB, refs idgen.ReferenceGenerator, maxReferenceRetries int) *TransactionRepository {
	if maxReferenceRetries <= 0 {
		maxReferenceRetries = 1
	}
	return &TransactionRepository{db: db, refs: refs, maxRetries: maxReferenceRetries}
}

// Append 在事务内逐条写入流水
//
// 每条记录单独放在保存点里插入：流水号撞上唯一索引时只回滚这一条，
// 重新生成流水号再插，调用方感知不到。超过重试次数返回 DuplicateReference。
func (r *TransactionRepository) Append(ctx context.Context, tx *gorm.DB, records ...*model.Transaction) error {
	for _, rec := range records {
		if err := r.appendOne(ctx, tx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *TransactionRepository) appendOne(ctx context.Context, tx *gorm.DB, rec *model.Transaction) error {
	for attempt := 1; ; attempt++ {
		err := tx.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
			return sp.Create(rec).Error
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.Storage(err, "写入流水失败")
		}
		if attempt >= r.maxRetries {
			return apperr.Wrap(apperr.KindDuplicateReference, err, "流水号重复，重试次数已用尽")
		}
		rec.ReferenceNumber = r.refs.NextReference(
			rec.TransactionType.ReferencePrefix(),
			rec.AccountNumber,
			rec.TransactionDate,
		)
	}
}

type dayTotals struct {
	Cnt   int64
	Total decimal.Decimal
}

// SumAndCountForDay 统计账户某个自然日已入账的笔数和金额
//
// 冲正流水不计入；已被冲正的原流水仍然计入，当日额度不会因冲正而恢复。
func (r *TransactionRepository) SumAndCountForDay(ctx context.Context, tx *gorm.DB, accountNumber, day string) (int64, decimal.Decimal, error) {
	var totals dayTotals
	err := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("COUNT(*) AS cnt, COALESCE(SUM(amount), 0) AS total").
		Where("account_number = ? AND business_date = ?", accountNumber, day).
		Where("transaction_type <> ?", model.TransactionTypeReversal).
		Where("status IN ?", []model.TransactionStatus{
			model.TransactionStatusCompleted,
			model.TransactionStatusReversed,
		}).
		Scan(&totals).Error
	if err != nil {
		return 0, decimal.Zero, apperr.Storage(err, "统计当日交易失败")
	}
	return totals.Cnt, totals.Total.Round(2), nil
}

func (r *TransactionRepository) FindByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	return r.findByReference(r.db.WithContext(ctx), reference)
}

// FindByReferenceTx 事务内读取，冲正时使用
func (r *TransactionRepository) FindByReferenceTx(ctx context.Context, tx *gorm.DB, reference string) (*model.Transaction, error) {
	return r.findByReference(tx.WithContext(ctx), reference)
}

func (r *TransactionRepository) findByReference(db *gorm.DB, reference string) (*model.Transaction, error) {
	var trans model.Transaction
	err := db.Where("reference_number = ?", reference).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindTransactionNotFound, "交易不存在: %s", reference)
		}
		return nil, apperr.Storage(err, "查询流水失败")
	}
	return &trans, nil
}

// FindByTransferReference 按转账关联号查询两条腿，转出在前
func (r *TransactionRepository) FindByTransferReference(ctx context.Context, transferReference string) ([]*model.Transaction, error) {
	return r.findByTransferReference(r.db.WithContext(ctx), transferReference)
}

func (r *TransactionRepository) FindByTransferReferenceTx(ctx context.Context, tx *gorm.DB, transferReference string) ([]*model.Transaction, error) {
	return r.findByTransferReference(tx.WithContext(ctx), transferReference)
}

func (r *TransactionRepository) findByTransferReference(db *gorm.DB, transferReference string) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := db.
		Where("transfer_reference = ?", transferReference).
		Order("direction DESC, id ASC").
		Find(&transactions).Error
	if err != nil {
		return nil, apperr.Storage(err, "查询转账流水失败")
	}
	if len(transactions) == 0 {
		return nil, apperr.New(apperr.KindTransactionNotFound, "转账不存在: %s", transferReference)
	}
	return transactions, nil
}

// MarkReversed COMPLETED -> REVERSED，流水唯一允许的终态变更
func (r *TransactionRepository) MarkReversed(ctx context.Context, tx *gorm.DB, id int64) error {
	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusCompleted).
		Update("status", model.TransactionStatusReversed)
	if result.Error != nil {
		return apperr.Storage(result.Error, "更新流水状态失败")
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindInvalidState, "流水 %d 不是已完成状态，不能冲正", id)
	}
	return nil
}

// MarkReconciled 对账结果回写，只允许从 PENDING 变更一次
func (r *TransactionRepository) MarkReconciled(
	ctx context.Context,
	id int64,
	status model.ReconciliationStatus,
	by string,
	at time.Time,
) error {
	result := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND reconciliation_status = ?", id, model.ReconciliationStatusPending).
		Updates(map[string]interface{}{
			"reconciliation_status": status,
			"reconciliation_date":   at,
			"reconciled_by":         by,
		})
	if result.Error != nil {
		return apperr.Storage(result.Error, "更新对账状态失败")
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindInvalidState, "流水 %d 已对账", id)
	}
	return nil
}
