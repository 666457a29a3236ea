package service

import (
	"context"

	"corebank/internal/apperr"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// dayAggregator 当日已入账笔数和金额的来源
type dayAggregator interface {
	SumAndCountForDay(ctx context.Context, tx *gorm.DB, accountNumber, day string) (int64, decimal.Decimal, error)
}

// LimitTracker 日限额校验
//
// 每次都在工作单元内从流水表重新统计，不做缓存；
// 同一账户的请求已被账户锁串行化，统计结果在提交前不会被别人改变。
type LimitTracker struct {
	journal   dayAggregator
	maxCount  int64
	maxAmount decimal.Decimal
}

func NewLimitTracker(journal dayAggregator, maxCount int, maxAmount decimal.Decimal) *LimitTracker {
	return &LimitTracker{
		journal:   journal,
		maxCount:  int64(maxCount),
		maxAmount: maxAmount,
	}
}

func (l *LimitTracker) Check(ctx context.Context, tx *gorm.DB, accountNumber, day string, amount decimal.Decimal) error {
	count, total, err := l.journal.SumAndCountForDay(ctx, tx, accountNumber, day)
	if err != nil {
		return err
	}

	if count >= l.maxCount {
		return apperr.New(apperr.KindLimitExceeded,
			"账户 %s 当日交易笔数已达上限 %d", accountNumber, l.maxCount)
	}
	if total.Add(amount).GreaterThan(l.maxAmount) {
		return apperr.New(apperr.KindLimitExceeded,
			"账户 %s 当日交易金额超限: 已用 %s，本次 %s，上限 %s",
			accountNumber, total.StringFixed(2), amount.StringFixed(2), l.maxAmount.StringFixed(2))
	}
	return nil
}
