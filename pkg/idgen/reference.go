package idgen

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock 时间来源，测试中可替换为固定时间
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock 返回固定时间
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time {
	return c.T
}

// ReferenceGenerator 流水号与转账关联号生成
type ReferenceGenerator interface {
	// NextReference 前缀 + 时间戳 + 账号后缀 + 随机数
	NextReference(prefix, accountNumber string, at time.Time) string
	NextTransferReference() string
	NextID() int64
}

// DefaultReferences 生产环境使用的生成器
//
// 流水号格式：CRT + 20260117143052 + 4321 + 482913
// 随机段只降低碰撞概率，唯一性最终由数据库唯一索引保证，冲突时重新生成
type DefaultReferences struct{}

func (DefaultReferences) NextReference(prefix, accountNumber string, at time.Time) string {
	return fmt.Sprintf("%s%s%s%06d",
		prefix,
		at.Format("20060102150405"),
		accountSuffix(accountNumber),
		rand.Intn(1000000),
	)
}

func (DefaultReferences) NextTransferReference() string {
	return "TRF-" + strings.ToUpper(uuid.NewString())
}

func (DefaultReferences) NextID() int64 {
	return NextID()
}

func accountSuffix(accountNumber string) string {
	if len(accountNumber) >= 4 {
		return accountNumber[len(accountNumber)-4:]
	}
	return strings.Repeat("0", 4-len(accountNumber)) + accountNumber
}
