// Package testutil 测试用的数据库和账户夹具
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"corebank/internal/config"
	"corebank/internal/infrastructure/database"
	"corebank/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var dbSeq int64

// NewDB 创建独立的内存 sqlite 库
//
// 只开一个连接：sqlite 不支持行锁，单连接让所有事务串行执行，
// 事务内的查询必须走 tx，否则会因拿不到连接而死锁。
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&dbSeq, 1))

	db, err := database.Open(&config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          dsn,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		LogLevel:     "silent",
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// CreateAccount 创建一个正常状态的账户
func CreateAccount(t *testing.T, db *gorm.DB, accountNumber, balance string, opts ...func(*model.Account)) *model.Account {
	t.Helper()

	bal := decimal.RequireFromString(balance)
	acct := &model.Account{
		AccountNumber:    accountNumber,
		AccountName:      "test-" + accountNumber,
		AccountType:      model.AccountTypeChecking,
		CurrentBalance:   bal,
		AvailableBalance: bal,
		Status:           model.AccountStatusActive,
		CurrencyCode:     "USD",
	}
	for _, opt := range opts {
		opt(acct)
	}
	require.NoError(t, db.Create(acct).Error)
	return acct
}

func WithStatus(status model.AccountStatus) func(*model.Account) {
	return func(a *model.Account) { a.Status = status }
}

func WithOverdraft(limit string) func(*model.Account) {
	return func(a *model.Account) { a.OverdraftLimit = decimal.RequireFromString(limit) }
}

// Balance 读取账户当前余额，两位小数字符串
func Balance(t *testing.T, db *gorm.DB, accountNumber string) string {
	t.Helper()
	var acct model.Account
	require.NoError(t, db.Where("account_number = ?", accountNumber).First(&acct).Error)
	return acct.CurrentBalance.StringFixed(2)
}
