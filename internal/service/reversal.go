package service

import (
	"context"
	"strings"
	"time"

	"corebank/internal/apperr"
	"corebank/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reverse 冲正一笔已完成的流水
//
// 原流水不做任何金额修改，只生成方向相反的 REVERSAL 流水并把原流水标记为 REVERSED。
// 转账的任意一条腿发起冲正时两条腿一起冲正。冲正是纠错分录，不占用日限额，
// 但冲正方向为扣款时仍然校验余额。
// 返回的第一条是所给流水号对应的冲正流水。
func (s *LedgerService) Reverse(ctx context.Context, reference, reason string) ([]*model.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("冲正原因不能为空")
	}

	// 先无锁读取一次，确定要锁哪些账户；加锁后在事务内重新读取
	original, err := s.journal.FindByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	accountNumbers := []string{original.AccountNumber}
	if isTransferLeg(original) {
		legs, err := s.journal.FindByTransferReference(ctx, original.TransferReference)
		if err != nil {
			return nil, err
		}
		for _, leg := range legs {
			if leg.AccountNumber != original.AccountNumber {
				accountNumbers = append(accountNumbers, leg.AccountNumber)
			}
		}
	}

	var reversals []*model.Transaction
	err = s.execute(ctx, accountNumbers, func(tx *gorm.DB, now time.Time) error {
		reversals = nil

		originals, err := s.loadForReversal(ctx, tx, reference)
		if err != nil {
			return err
		}
		for _, o := range originals {
			if !o.IsReversible() {
				return apperr.New(apperr.KindInvalidState,
					"流水 %s 不可冲正: 状态 %s，对账状态 %s", o.ReferenceNumber, o.Status, o.ReconciliationStatus)
			}
		}

		accts, err := s.lockRows(ctx, tx, accountNumbers...)
		if err != nil {
			return err
		}

		var transferRef string
		if len(originals) > 1 {
			transferRef = s.refs.NextTransferReference()
		}

		for _, o := range originals {
			acct, ok := accts[o.AccountNumber]
			if !ok {
				// 加锁后转账腿发生了变化，重新来一次
				return apperr.New(apperr.KindConflict, "流水 %s 的账户发生变化", o.ReferenceNumber)
			}
			direction := o.Direction.Opposite()
			if direction == model.DirectionDebit {
				if err := checkFunds(acct, o.Amount); err != nil {
					return err
				}
			}

			rev, err := s.post(ctx, tx, acct, posting{
				typ:               model.TransactionTypeReversal,
				direction:         direction,
				amount:            o.Amount,
				description:       "冲正 " + o.ReferenceNumber + ": " + reason,
				transferReference: transferRef,
			}, now)
			if err != nil {
				return err
			}
			id := o.ID
			rev.RelatedTransactionID = &id

			if err := s.journal.MarkReversed(ctx, tx, o.ID); err != nil {
				return err
			}
			reversals = append(reversals, rev)
		}

		return s.record(ctx, tx, reversals...)
	})
	if err != nil {
		s.logFailure("冲正失败", err, zap.String("reference", reference))
		return nil, err
	}

	for _, rev := range reversals {
		s.logger.Info("冲正成功",
			zap.String("reference", rev.ReferenceNumber),
			zap.Int64("original_id", *rev.RelatedTransactionID),
			zap.String("account", rev.AccountNumber),
			zap.String("amount", rev.Amount.StringFixed(2)),
			zap.String("reason", reason))
	}
	return reversals, nil
}

// loadForReversal 在事务内读取待冲正的流水，所给流水号排在第一位
func (s *LedgerService) loadForReversal(ctx context.Context, tx *gorm.DB, reference string) ([]*model.Transaction, error) {
	original, err := s.journal.FindByReferenceTx(ctx, tx, reference)
	if err != nil {
		return nil, err
	}
	if !isTransferLeg(original) {
		return []*model.Transaction{original}, nil
	}

	legs, err := s.journal.FindByTransferReferenceTx(ctx, tx, original.TransferReference)
	if err != nil {
		return nil, err
	}
	result := []*model.Transaction{original}
	for _, leg := range legs {
		if leg.ID != original.ID {
			result = append(result, leg)
		}
	}
	return result, nil
}

func isTransferLeg(t *model.Transaction) bool {
	return t.TransferReference != "" &&
		(t.TransactionType == model.TransactionTypeTransferOut || t.TransactionType == model.TransactionTypeTransferIn)
}

// Reconcile 回写对账结果，每条流水只能从 PENDING 变更一次
//
// 对账字段不影响余额，不需要账户锁。
func (s *LedgerService) Reconcile(ctx context.Context, reference string, status model.ReconciliationStatus, by string) (*model.Transaction, error) {
	switch status {
	case model.ReconciliationStatusReconciled,
		model.ReconciliationStatusDiscrepancy,
		model.ReconciliationStatusExcluded:
	default:
		return nil, apperr.Validation("对账状态只能是 RECONCILED / DISCREPANCY / EXCLUDED")
	}
	by = strings.TrimSpace(by)
	if by == "" {
		return nil, apperr.Validation("对账人不能为空")
	}

	rec, err := s.journal.FindByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if err := s.journal.MarkReconciled(ctx, rec.ID, status, by, s.clock.Now()); err != nil {
		return nil, err
	}

	s.logger.Info("对账状态已更新",
		zap.String("reference", reference),
		zap.String("status", string(status)),
		zap.String("by", by))
	return s.journal.FindByReference(ctx, reference)
}
