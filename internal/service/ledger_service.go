package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"corebank/internal/apperr"
	"corebank/internal/config"
	"corebank/internal/infrastructure/lock"
	"corebank/internal/model"
	"corebank/internal/money"
	"corebank/internal/repository"
	"corebank/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 账务引擎
// ============================================================================
//
// 【一次记账的完整流程】
//
//   1. 校验金额、账号格式（不加锁）
//   2. 按账号升序获取账户锁，等锁上限取 ctx deadline
//   3. 开启数据库事务：
//      SELECT ... FOR UPDATE 读账户 -> 状态校验 -> 日限额 -> 余额校验
//      -> 版本号 CAS 更新余额 -> 追加流水 -> 写 outbox
//   4. 提交事务，释放账户锁
//
// 锁之后任何一步失败，事务整体回滚，余额和流水都不变。
// 版本冲突（Conflict）时从第 2 步开始整体重试，不重试单个步骤。
// ============================================================================

type LedgerService struct {
	db       *gorm.DB
	accounts *repository.AccountRepository
	journal  *repository.TransactionRepository
	outbox   *repository.OutboxRepository
	limits   *LimitTracker
	locker   lock.AccountLocker
	clock    idgen.Clock
	refs     idgen.ReferenceGenerator
	logger   *zap.Logger

	location            *time.Location
	accountNumberLength int
	maxConflictRetries  int
	lockWait            time.Duration
}

type Option func(*LedgerService)

func WithClock(clock idgen.Clock) Option {
	return func(s *LedgerService) { s.clock = clock }
}

func WithReferenceGenerator(refs idgen.ReferenceGenerator) Option {
	return func(s *LedgerService) { s.refs = refs }
}

// WithLocker 多实例部署时传入 Redis 实现，默认进程内锁
func WithLocker(locker lock.AccountLocker) Option {
	return func(s *LedgerService) { s.locker = locker }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *LedgerService) { s.logger = logger }
}

func NewLedgerService(db *gorm.DB, cfg *config.Config, opts ...Option) (*LedgerService, error) {
	maxAmount, err := cfg.Business.DailyAmountLimit()
	if err != nil {
		return nil, fmt.Errorf("解析日累计金额上限失败: %w", err)
	}
	location, err := cfg.Business.Location()
	if err != nil {
		return nil, fmt.Errorf("加载业务时区失败: %w", err)
	}

	s := &LedgerService{
		db:                  db,
		locker:              lock.NewLocalLocker(),
		clock:               idgen.SystemClock{},
		refs:                idgen.DefaultReferences{},
		logger:              zap.NewNop(),
		location:            location,
		accountNumberLength: cfg.Business.AccountNumberLength,
		maxConflictRetries:  cfg.Business.MaxConflictRetries,
		lockWait:            cfg.Lock.WaitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("ledger")

	s.accounts = repository.NewAccountRepository(db)
	s.journal = repository.NewTransactionRepository(db, s.refs, cfg.Business.MaxReferenceRetries)
	s.outbox = repository.NewOutboxRepository(db, cfg.Kafka.Topic.TransactionPosted)
	s.limits = NewLimitTracker(s.journal, cfg.Business.MaxDailyTransactions, maxAmount)
	return s, nil
}

// ============================================================================
// 存款 / 取款 / 转账
// ============================================================================

func (s *LedgerService) Deposit(ctx context.Context, accountNumber string, amount decimal.Decimal, description string) (*model.Transaction, error) {
	if err := money.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := s.validateAccountNumber(accountNumber); err != nil {
		return nil, err
	}
	amount = money.Normalize(amount)

	var result *model.Transaction
	err := s.execute(ctx, []string{accountNumber}, func(tx *gorm.DB, now time.Time) error {
		accts, err := s.lockRows(ctx, tx, accountNumber)
		if err != nil {
			return err
		}
		acct := accts[accountNumber]

		if err := s.limits.Check(ctx, tx, accountNumber, s.businessDate(now), amount); err != nil {
			return err
		}

		rec, err := s.post(ctx, tx, acct, posting{
			typ:         model.TransactionTypeCredit,
			direction:   model.DirectionCredit,
			amount:      amount,
			description: description,
		}, now)
		if err != nil {
			return err
		}
		if err := s.record(ctx, tx, rec); err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		s.logFailure("存款失败", err, zap.String("account", accountNumber), zap.String("amount", amount.StringFixed(2)))
		return nil, err
	}

	s.logger.Info("存款成功",
		zap.String("reference", result.ReferenceNumber),
		zap.String("account", accountNumber),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance_after", result.BalanceAfter.StringFixed(2)))
	return result, nil
}

func (s *LedgerService) Withdraw(ctx context.Context, accountNumber string, amount decimal.Decimal, description string) (*model.Transaction, error) {
	if err := money.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := s.validateAccountNumber(accountNumber); err != nil {
		return nil, err
	}
	amount = money.Normalize(amount)

	var result *model.Transaction
	err := s.execute(ctx, []string{accountNumber}, func(tx *gorm.DB, now time.Time) error {
		accts, err := s.lockRows(ctx, tx, accountNumber)
		if err != nil {
			return err
		}
		acct := accts[accountNumber]

		if err := s.limits.Check(ctx, tx, accountNumber, s.businessDate(now), amount); err != nil {
			return err
		}
		if err := checkFunds(acct, amount); err != nil {
			return err
		}

		rec, err := s.post(ctx, tx, acct, posting{
			typ:         model.TransactionTypeDebit,
			direction:   model.DirectionDebit,
			amount:      amount,
			description: description,
		}, now)
		if err != nil {
			return err
		}
		if err := s.record(ctx, tx, rec); err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		s.logFailure("取款失败", err, zap.String("account", accountNumber), zap.String("amount", amount.StringFixed(2)))
		return nil, err
	}

	s.logger.Info("取款成功",
		zap.String("reference", result.ReferenceNumber),
		zap.String("account", accountNumber),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance_after", result.BalanceAfter.StringFixed(2)))
	return result, nil
}

// Transfer 转账，返回转出方流水；转入方流水可按 TransferReference 查询
//
// 日限额只校验转出账户。
func (s *LedgerService) Transfer(ctx context.Context, source, target string, amount decimal.Decimal, description string) (*model.Transaction, error) {
	if err := money.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := s.validateAccountNumber(source); err != nil {
		return nil, err
	}
	if err := s.validateAccountNumber(target); err != nil {
		return nil, err
	}
	if source == target {
		return nil, apperr.Validation("转出账户与转入账户不能相同")
	}
	amount = money.Normalize(amount)

	var result *model.Transaction
	err := s.execute(ctx, []string{source, target}, func(tx *gorm.DB, now time.Time) error {
		accts, err := s.lockRows(ctx, tx, source, target)
		if err != nil {
			return err
		}
		src, dst := accts[source], accts[target]

		if err := s.limits.Check(ctx, tx, source, s.businessDate(now), amount); err != nil {
			return err
		}
		if err := checkFunds(src, amount); err != nil {
			return err
		}

		transferRef := s.refs.NextTransferReference()
		out, err := s.post(ctx, tx, src, posting{
			typ:               model.TransactionTypeTransferOut,
			direction:         model.DirectionDebit,
			amount:            amount,
			description:       description,
			transferReference: transferRef,
		}, now)
		if err != nil {
			return err
		}
		in, err := s.post(ctx, tx, dst, posting{
			typ:               model.TransactionTypeTransferIn,
			direction:         model.DirectionCredit,
			amount:            amount,
			description:       description,
			transferReference: transferRef,
		}, now)
		if err != nil {
			return err
		}

		// ID 在入库前已分配，两条腿直接互相引用
		out.RelatedTransactionID = &in.ID
		in.RelatedTransactionID = &out.ID

		if err := s.record(ctx, tx, out, in); err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		s.logFailure("转账失败", err,
			zap.String("source", source),
			zap.String("target", target),
			zap.String("amount", amount.StringFixed(2)))
		return nil, err
	}

	s.logger.Info("转账成功",
		zap.String("transfer_reference", result.TransferReference),
		zap.String("source", source),
		zap.String("target", target),
		zap.String("amount", amount.StringFixed(2)))
	return result, nil
}

// ============================================================================
// 查询
// ============================================================================

func (s *LedgerService) GetTransaction(ctx context.Context, reference string) (*model.Transaction, error) {
	return s.journal.FindByReference(ctx, reference)
}

func (s *LedgerService) GetTransfer(ctx context.Context, transferReference string) ([]*model.Transaction, error) {
	return s.journal.FindByTransferReference(ctx, transferReference)
}

// ============================================================================
// 工作单元
// ============================================================================

// execute 执行一个工作单元，版本冲突时整体重试
func (s *LedgerService) execute(ctx context.Context, accountNumbers []string, fn func(tx *gorm.DB, now time.Time) error) error {
	for attempt := 1; ; attempt++ {
		err := s.unitOfWork(ctx, accountNumbers, fn)
		if err == nil || apperr.KindOf(err) != apperr.KindConflict || attempt > s.maxConflictRetries {
			return err
		}
		s.logger.Warn("账户版本冲突，重试整个工作单元",
			zap.Strings("accounts", accountNumbers),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

func (s *LedgerService) unitOfWork(ctx context.Context, accountNumbers []string, fn func(tx *gorm.DB, now time.Time) error) error {
	lockCtx := ctx
	if _, ok := ctx.Deadline(); !ok && s.lockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockWait)
		defer cancel()
	}

	unlock, err := s.locker.LockAccounts(lockCtx, accountNumbers...)
	if err != nil {
		return err
	}
	defer unlock()

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, now)
	})
	return apperr.Storage(err, "账务处理失败")
}

// lockRows 按账号升序加行锁并校验账户状态
func (s *LedgerService) lockRows(ctx context.Context, tx *gorm.DB, accountNumbers ...string) (map[string]*model.Account, error) {
	ordered := append([]string(nil), accountNumbers...)
	sort.Strings(ordered)

	accts := make(map[string]*model.Account, len(ordered))
	for _, n := range ordered {
		if _, ok := accts[n]; ok {
			continue
		}
		acct, err := s.accounts.LockForUpdate(ctx, tx, n)
		if err != nil {
			return nil, err
		}
		accts[n] = acct
	}

	// 状态校验按调用方给出的顺序，转账时先报转出账户
	for _, n := range accountNumbers {
		if !accts[n].CanTransact() {
			return nil, apperr.New(apperr.KindAccountIneligible, "账户 %s 状态为 %s，不允许交易", n, accts[n].Status)
		}
	}
	return accts, nil
}

// posting 一条待入账的分录
type posting struct {
	typ               model.TransactionType
	direction         model.Direction
	amount            decimal.Decimal
	description       string
	transferReference string
}

// post 生成流水并更新账户余额，流水尚未写入
func (s *LedgerService) post(ctx context.Context, tx *gorm.DB, acct *model.Account, p posting, now time.Time) (*model.Transaction, error) {
	rec := &model.Transaction{
		ID:                   s.refs.NextID(),
		ReferenceNumber:      s.refs.NextReference(p.typ.ReferencePrefix(), acct.AccountNumber, now),
		AccountNumber:        acct.AccountNumber,
		TransactionType:      p.typ,
		Direction:            p.direction,
		Amount:               p.amount,
		BalanceBefore:        acct.CurrentBalance,
		TransactionDate:      now,
		BusinessDate:         s.businessDate(now),
		Description:          p.description,
		TransferReference:    p.transferReference,
		Status:               model.TransactionStatusPending,
		ReconciliationStatus: model.ReconciliationStatusPending,
	}
	delta := rec.SignedAmount()
	rec.BalanceAfter = rec.BalanceBefore.Add(delta)

	if err := s.accounts.UpdateBalance(ctx, tx, acct, rec.BalanceAfter, acct.AvailableBalance.Add(delta), now); err != nil {
		return nil, err
	}

	rec.Advance(model.TransactionStatusProcessing)
	rec.Advance(model.TransactionStatusCompleted)
	return rec, nil
}

// record 追加流水并写入 outbox，与余额更新在同一事务
func (s *LedgerService) record(ctx context.Context, tx *gorm.DB, records ...*model.Transaction) error {
	if err := s.journal.Append(ctx, tx, records...); err != nil {
		return err
	}
	if err := s.outbox.EnqueuePosted(ctx, tx, records...); err != nil {
		return apperr.Storage(err, "写入 outbox 失败")
	}
	return nil
}

// checkFunds 余额加透支额度不足以覆盖扣款时拒绝
func checkFunds(acct *model.Account, amount decimal.Decimal) error {
	if acct.CanCover(amount) {
		return nil
	}
	return apperr.New(apperr.KindInsufficientFunds,
		"账户 %s 余额不足: 余额 %s，透支额度 %s，需扣款 %s",
		acct.AccountNumber,
		acct.CurrentBalance.StringFixed(2),
		acct.OverdraftLimit.StringFixed(2),
		amount.StringFixed(2))
}

func (s *LedgerService) validateAccountNumber(accountNumber string) error {
	return validateAccountNumber(accountNumber, s.accountNumberLength)
}

func (s *LedgerService) businessDate(t time.Time) string {
	return t.In(s.location).Format("2006-01-02")
}

// logFailure 业务拒绝记 Info，系统故障记 Error
func (s *LedgerService) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("kind", apperr.KindOf(err).String()), zap.Error(err))
	switch apperr.KindOf(err) {
	case apperr.KindStorage, apperr.KindUnknown, apperr.KindDuplicateReference:
		s.logger.Error(msg, fields...)
	default:
		s.logger.Info(msg, fields...)
	}
}
