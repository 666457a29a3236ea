package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"corebank/internal/apperr"
	"corebank/internal/config"
	"corebank/internal/infrastructure/lock"
	"corebank/internal/model"
	"corebank/internal/testutil"
	"corebank/pkg/idgen"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const (
	acctA = "1000000001"
	acctB = "2000000002"
	acctC = "3000000003"
)

var fixedNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*LedgerService, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	return newServiceOn(t, db, opts...), db
}

func newServiceOn(t *testing.T, db *gorm.DB, opts ...Option) *LedgerService {
	t.Helper()
	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithClock(idgen.FixedClock{T: fixedNow}),
	}
	svc, err := NewLedgerService(db, config.Default(), append(base, opts...)...)
	require.NoError(t, err)
	return svc
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func countRecords(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.Transaction{}).Count(&n).Error)
	return n
}

func countOutbox(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Count(&n).Error)
	return n
}

// ============================================================================
// 典型场景
// ============================================================================

func TestLedger_ConcreteScenario(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	testutil.CreateAccount(t, db, acctA, "1000.00")
	testutil.CreateAccount(t, db, acctB, "0.00")

	dep, err := svc.Deposit(ctx, acctA, d("150.00"), "工资")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionTypeCredit, dep.TransactionType)
	assert.Equal(t, model.TransactionStatusCompleted, dep.Status)
	assert.Equal(t, "150.00", dep.Amount.StringFixed(2))
	assert.Equal(t, "1000.00", dep.BalanceBefore.StringFixed(2))
	assert.Equal(t, "1150.00", dep.BalanceAfter.StringFixed(2))
	assert.Equal(t, "1150.00", testutil.Balance(t, db, acctA))

	_, err = svc.Withdraw(ctx, acctA, d("2000.00"), "取现")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, "1150.00", testutil.Balance(t, db, acctA))

	out, err := svc.Transfer(ctx, acctA, acctB, d("500.00"), "转账")
	require.NoError(t, err)
	assert.Equal(t, "650.00", testutil.Balance(t, db, acctA))
	assert.Equal(t, "500.00", testutil.Balance(t, db, acctB))

	legs, err := svc.GetTransfer(ctx, out.TransferReference)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	for _, leg := range legs {
		assert.Equal(t, out.TransferReference, leg.TransferReference)
		assert.True(t, leg.BalanceConsistent())
	}

	assert.Equal(t, int64(3), countRecords(t, db))
	assert.Equal(t, int64(3), countOutbox(t, db))
}

// ============================================================================
// 存款 / 取款
// ============================================================================

func TestDeposit_RoundTrip(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	testutil.CreateAccount(t, db, acctA, "10.05")

	rec, err := svc.Deposit(ctx, acctA, d("0.10"), "")
	require.NoError(t, err)
	assert.Regexp(t, `^CRT20260302093000`+acctA[6:]+`\d{6}$`, rec.ReferenceNumber)
	assert.Equal(t, "2026-03-02", rec.BusinessDate)

	found, err := svc.GetTransaction(ctx, rec.ReferenceNumber)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)
	assert.Equal(t, rec.TransactionType, found.TransactionType)
	assert.Equal(t, "0.10", found.Amount.StringFixed(2))
	assert.Equal(t, "10.05", found.BalanceBefore.StringFixed(2))
	assert.Equal(t, "10.15", found.BalanceAfter.StringFixed(2))
	assert.True(t, found.BalanceConsistent())
	assert.True(t, found.AffectsBalance())

	acct, err := NewAccountService(db, config.Default()).GetAccount(ctx, acctA)
	require.NoError(t, err)
	assert.Equal(t, "10.15", acct.CurrentBalance.StringFixed(2))
	assert.Equal(t, "10.15", acct.AvailableBalance.StringFixed(2))
	assert.Equal(t, int64(1), acct.Version)
	require.NotNil(t, acct.LastTransactionDate)
}

func TestDeposit_Rejections(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	testutil.CreateAccount(t, db, acctA, "100.00")
	testutil.CreateAccount(t, db, acctB, "100.00", testutil.WithStatus(model.AccountStatusFrozen))
	testutil.CreateAccount(t, db, acctC, "100.00", testutil.WithStatus(model.AccountStatusClosed))

	tests := []struct {
		name    string
		account string
		amount  string
		want    error
	}{
		{name: "zero amount", account: acctA, amount: "0", want: apperr.ErrValidation},
		{name: "three decimals", account: acctA, amount: "1.001", want: apperr.ErrValidation},
		{name: "above maximum", account: acctA, amount: "1000000.00", want: apperr.ErrValidation},
		{name: "malformed account", account: "12AB", amount: "1.00", want: apperr.ErrValidation},
		{name: "unknown account", account: "9999999999", amount: "1.00", want: apperr.ErrAccountNotFound},
		{name: "frozen account", account: acctB, amount: "1.00", want: apperr.ErrAccountIneligible},
		{name: "closed account", account: acctC, amount: "1.00", want: apperr.ErrAccountIneligible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Deposit(ctx, tt.account, d(tt.amount), "")
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, apperr.IsRetryable(err))
		})
	}

	assert.Equal(t, "100.00", testutil.Balance(t, db, acctA))
	assert.Equal(t, "100.00", testutil.Balance(t, db, acctB))
	assert.Zero(t, countRecords(t, db))
	assert.Zero(t, countOutbox(t, db))
}

func TestWithdraw_Overdraft(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	testutil.CreateAccount(t, db, acctA, "100.00", testutil.WithOverdraft("50.00"))

	_, err := svc.Withdraw(ctx, acctA, d("150.01"), "")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, "100.00", testutil.Balance(t, db, acctA))

	rec, err := svc.Withdraw(ctx, acctA, d("150.00"), "")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionTypeDebit, rec.TransactionType)
	assert.Equal(t, model.DirectionDebit, rec.Direction)
	assert.Equal(t, "-50.00", rec.BalanceAfter.StringFixed(2))
	assert.Equal(t, "-50.00", testutil.Balance(t, db, acctA))

	_, err = svc.Withdraw(ctx, acctA, d("0.01"), "")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
}

// ============================================================================
// 转账
// ============================================================================

func TestTransfer_LinkedLegs(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	testutil.CreateAccount(t, db, acctB, "300.00")
	testutil.CreateAccount(t, db, acctA, "40.00")

	// 转出账号大于转入账号，加锁顺序与参数顺序相反
	out, err := svc.Transfer(ctx, acctB, acctA, d("120.50"), "还款")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionTypeTransferOut, out.TransactionType)
	assert.Equal(t, acctB, out.AccountNumber)
	assert.NotEmpty(t, out.TransferReference)

	legs, err := svc.GetTransfer(ctx, out.TransferReference)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	src, dst := legs[0], legs[1]

	assert.Equal(t, out.ID, src.ID)
	assert.Equal(t, model.TransactionTypeTransferIn, dst.TransactionType)
	require.NotNil(t, src.RelatedTransactionID)
	require.NotNil(t, dst.RelatedTransactionID)
	assert.Equal(t, dst.ID, *src.RelatedTransactionID)
	assert.Equal(t, src.ID, *dst.RelatedTransactionID)

	assert.Equal(t, "300.00", src.BalanceBefore.StringFixed(2))
	assert.Equal(t, "179.50", src.BalanceAfter.StringFixed(2))
	assert.Equal(t, "40.00", dst.BalanceBefore.StringFixed(2))
	assert.Equal(t, "160.50", dst.BalanceAfter.StringFixed(2))

	// 资金守恒
	before := src.BalanceBefore.Add(dst.BalanceBefore)
	after := src.BalanceAfter.Add(dst.BalanceAfter)
	assert.True(t, before.Equal(after))
}

func TestTransfer_Rejections(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	testutil.CreateAccount(t, db, acctA, "100.00")
	testutil.CreateAccount(t, db, acctB, "100.00", testutil.WithStatus(model.AccountStatusDormant))
	testutil.CreateAccount(t, db, acctC, "100.00")

	_, err := svc.Transfer(ctx, acctA, acctA, d("1.00"), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	// 转入账户不可交易，扣款前即拒绝
	_, err = svc.Transfer(ctx, acctA, acctB, d("1.00"), "")
	assert.ErrorIs(t, err, apperr.ErrAccountIneligible)

	_, err = svc.Transfer(ctx, acctA, "9999999999", d("1.00"), "")
	assert.ErrorIs(t, err, apperr.ErrAccountNotFound)

	_, err = svc.Transfer(ctx, acctA, acctC, d("100.01"), "")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	assert.Equal(t, "100.00", testutil.Balance(t, db, acctA))
	assert.Equal(t, "100.00", testutil.Balance(t, db, acctB))
	assert.Equal(t, "100.00", testutil.Balance(t, db, acctC))
	assert.Zero(t, countRecords(t, db))
}

// failTransferInInsert 让转入方流水的插入失败，此时转出方余额已在事务内更新
func failTransferInInsert(t *testing.T, db *gorm.DB) {
	t.Helper()
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_transfer_in", func(tx *gorm.DB) {
		rec, ok := tx.Statement.Dest.(*model.Transaction)
		if ok && rec.TransactionType == model.TransactionTypeTransferIn {
			_ = tx.AddError(errors.New("boom"))
		}
	})
	require.NoError(t, err)
}

func accountVersion(t *testing.T, db *gorm.DB, accountNumber string) int64 {
	t.Helper()
	var acct model.Account
	require.NoError(t, db.Where("account_number = ?", accountNumber).First(&acct).Error)
	return acct.Version
}

func TestTransfer_RollbackAfterDebit(t *testing.T) {
	svc, db := newTestService(t)
	testutil.CreateAccount(t, db, acctA, "1000.00")
	testutil.CreateAccount(t, db, acctB, "0.00")
	versionA, versionB := accountVersion(t, db, acctA), accountVersion(t, db, acctB)
	failTransferInInsert(t, db)

	_, err := svc.Transfer(context.Background(), acctA, acctB, d("500.00"), "")
	assert.ErrorIs(t, err, apperr.ErrStorage)
	assert.ErrorContains(t, err, "boom")

	assert.Equal(t, "1000.00", testutil.Balance(t, db, acctA))
	assert.Equal(t, "0.00", testutil.Balance(t, db, acctB))
	assert.Equal(t, versionA, accountVersion(t, db, acctA))
	assert.Equal(t, versionB, accountVersion(t, db, acctB))
	assert.Zero(t, countRecords(t, db))
	assert.Zero(t, countOutbox(t, db))
}

// ============================================================================
// 日限额
// ============================================================================

func TestDailyLimit_Count(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	testutil.CreateAccount(t, db, acctA, "1000.00")
	testutil.CreateAccount(t, db, acctB, "0.00")

	for i := 0; i < 100; i++ {
		_, err := svc.Deposit(ctx, acctA, d("0.01"), "")
		require.NoError(t, err, "deposit #%d", i+1)
	}

	_, err := svc.Deposit(ctx, acctA, d("0.01"), "")
	assert.ErrorIs(t, err, apperr.ErrLimitExceeded)
	_, err = svc.Withdraw(ctx, acctA, d("0.01"), "")
	assert.ErrorIs(t, err, apperr.ErrLimitExceeded)
	_, err = svc.Transfer(ctx, acctA, acctB, d("0.01"), "")
	assert.ErrorIs(t, err, apperr.ErrLimitExceeded)
	assert.Equal(t, "1001.00", testutil.Balance(t, db, acctA))

	// 只限制转出方，转入不受影响
	_, err = svc.Deposit(ctx, acctB, d("5.00"), "")
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, acctB, acctA, d("5.00"), "")
	require.NoError(t, err)

	// 第二天重新计数
	nextDay := newServiceOn(t, db, WithClock(idgen.FixedClock{T: fixedNow.Add(24 * time.Hour)}))
	_, err = nextDay.Deposit(ctx, acctA, d("0.01"), "")
	assert.NoError(t, err)
}

func TestDailyLimit_Amount(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	testutil.CreateAccount(t, db, acctA, "0.00")

	_, err := svc.Deposit(ctx, acctA, d("30000.00"), "")
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, acctA, d("19999.99"), "")
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, acctA, d("0.02"), "")
	assert.ErrorIs(t, err, apperr.ErrLimitExceeded)

	// 正好达到上限允许
	_, err = svc.Deposit(ctx, acctA, d("0.01"), "")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, acctA, d("0.01"), "")
	assert.ErrorIs(t, err, apperr.ErrLimitExceeded)
	assert.Equal(t, "10000.02", testutil.Balance(t, db, acctA))
}

func TestDailyLimit_BusinessTimezone(t *testing.T) {
	db := testutil.NewDB(t)
	testutil.CreateAccount(t, db, acctA, "0.00")

	cfg := config.Default()
	cfg.Business.Timezone = "Asia/Shanghai"
	// UTC 3 月 2 日 20:00 已是上海时间 3 月 3 日
	svc, err := NewLedgerService(db, cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithClock(idgen.FixedClock{T: time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)}))
	require.NoError(t, err)

	rec, err := svc.Deposit(context.Background(), acctA, d("1.00"), "")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-03", rec.BusinessDate)
}

// ============================================================================
// 并发
// ============================================================================

func TestConcurrentWithdrawals(t *testing.T) {
	svc, db := newTestService(t)
	testutil.CreateAccount(t, db, acctA, "70.00")

	const n = 20
	var (
		wg           sync.WaitGroup
		successes    int64
		insufficient int64
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			_, err := svc.Withdraw(ctx, acctA, d("10.00"), "")
			switch {
			case err == nil:
				atomic.AddInt64(&successes, 1)
			case errors.Is(err, apperr.ErrInsufficientFunds):
				atomic.AddInt64(&insufficient, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(7), successes)
	assert.Equal(t, int64(n-7), insufficient)
	assert.Equal(t, "0.00", testutil.Balance(t, db, acctA))
	assert.Equal(t, int64(7), countRecords(t, db))
}

func TestConcurrentOppositeTransfers(t *testing.T) {
	svc, db := newTestService(t)
	testutil.CreateAccount(t, db, acctA, "500.00")
	testutil.CreateAccount(t, db, acctB, "500.00")

	const rounds = 10
	var wg sync.WaitGroup
	wg.Add(rounds * 2)
	for i := 0; i < rounds; i++ {
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := svc.Transfer(ctx, acctA, acctB, d("7.00"), "")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := svc.Transfer(ctx, acctB, acctA, d("3.00"), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, "460.00", testutil.Balance(t, db, acctA))
	assert.Equal(t, "540.00", testutil.Balance(t, db, acctB))
	assert.Equal(t, int64(rounds*4), countRecords(t, db))
}

func TestLockTimeout(t *testing.T) {
	locker := lock.NewLocalLocker()
	svc, db := newTestService(t, WithLocker(locker))
	testutil.CreateAccount(t, db, acctA, "100.00")

	unlock, err := locker.LockAccounts(context.Background(), acctA)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = svc.Withdraw(ctx, acctA, d("1.00"), "")
	assert.ErrorIs(t, err, apperr.ErrLockTimeout)
	assert.True(t, apperr.IsRetryable(err))
	unlock()

	_, err = svc.Withdraw(context.Background(), acctA, d("1.00"), "")
	require.NoError(t, err)
	assert.Equal(t, "99.00", testutil.Balance(t, db, acctA))
}

// ============================================================================
// 冲突重试 / 流水号重试
// ============================================================================

// bumpVersionOnUpdate 在余额更新前改掉账户版本号，模拟锁租约过期后被其他实例写入
func bumpVersionOnUpdate(t *testing.T, db *gorm.DB, times int) *int64 {
	t.Helper()
	var bumped int64
	err := db.Callback().Update().Before("gorm:update").Register("test:bump_version", func(tx *gorm.DB) {
		if tx.Statement.Table != "account" || atomic.LoadInt64(&bumped) >= int64(times) {
			return
		}
		atomic.AddInt64(&bumped, 1)
		tx.Session(&gorm.Session{NewDB: true}).Exec("UPDATE account SET version = version + 1")
	})
	require.NoError(t, err)
	return &bumped
}

func TestConflict_RetriesWholeUnit(t *testing.T) {
	svc, db := newTestService(t)
	testutil.CreateAccount(t, db, acctA, "100.00")
	bumped := bumpVersionOnUpdate(t, db, 2)

	rec, err := svc.Withdraw(context.Background(), acctA, d("30.00"), "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(bumped))
	assert.Equal(t, "100.00", rec.BalanceBefore.StringFixed(2))
	assert.Equal(t, "70.00", testutil.Balance(t, db, acctA))
	assert.Equal(t, int64(1), countRecords(t, db))
}

func TestConflict_GivesUp(t *testing.T) {
	svc, db := newTestService(t)
	testutil.CreateAccount(t, db, acctA, "100.00")
	bumped := bumpVersionOnUpdate(t, db, 100)

	_, err := svc.Deposit(context.Background(), acctA, d("30.00"), "")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.True(t, apperr.IsRetryable(err))
	// 首次执行 + max_conflict_retries 次重试
	assert.Equal(t, int64(4), atomic.LoadInt64(bumped))
	assert.Equal(t, "100.00", testutil.Balance(t, db, acctA))
	assert.Zero(t, countRecords(t, db))
}

// collidingReferences 前 n 次返回同一个流水号
type collidingReferences struct {
	idgen.DefaultReferences
	mu     sync.Mutex
	remain int
}

func (c *collidingReferences) NextReference(prefix, accountNumber string, at time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remain > 0 {
		c.remain--
		return "CRT-COLLIDE"
	}
	return c.DefaultReferences.NextReference(prefix, accountNumber, at)
}

func TestDuplicateReference_Regenerated(t *testing.T) {
	refs := &collidingReferences{remain: 3}
	svc, db := newTestService(t, WithReferenceGenerator(refs))
	ctx := context.Background()
	testutil.CreateAccount(t, db, acctA, "0.00")

	first, err := svc.Deposit(ctx, acctA, d("1.00"), "")
	require.NoError(t, err)
	assert.Equal(t, "CRT-COLLIDE", first.ReferenceNumber)

	second, err := svc.Deposit(ctx, acctA, d("2.00"), "")
	require.NoError(t, err)
	assert.NotEqual(t, "CRT-COLLIDE", second.ReferenceNumber)
	assert.Equal(t, "3.00", testutil.Balance(t, db, acctA))
	assert.Equal(t, int64(2), countRecords(t, db))
}

func TestCancelledContext(t *testing.T) {
	svc, db := newTestService(t)
	testutil.CreateAccount(t, db, acctA, "100.00")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Withdraw(ctx, acctA, d("1.00"), "")
	require.Error(t, err)
	assert.Equal(t, "100.00", testutil.Balance(t, db, acctA))
	assert.Zero(t, countRecords(t, db))
}
