// Package money 金额规则校验，纯函数，无 I/O。
package money

import (
	"fmt"

	"corebank/internal/apperr"

	"github.com/shopspring/decimal"
)

const Scale = 2

var (
	MinAmount = decimal.RequireFromString("0.01")
	MaxAmount = decimal.RequireFromString("999999.99")
)

// Violations 按顺序返回全部违规项，空切片表示合法
//
// 规则顺序：必填 -> 大于0 -> 区间 [0.01, 999999.99] -> 最多两位小数
// 尾随的 0 不算小数位（10.10 合法，10.001 非法）
func Violations(amount decimal.NullDecimal) []string {
	if !amount.Valid {
		return []string{"交易金额不能为空"}
	}

	var out []string
	d := amount.Decimal

	if !d.IsPositive() {
		out = append(out, fmt.Sprintf("交易金额必须大于0: %s", d.String()))
	}
	if d.LessThan(MinAmount) {
		out = append(out, fmt.Sprintf("交易金额不能低于 %s", MinAmount.StringFixed(Scale)))
	}
	if d.GreaterThan(MaxAmount) {
		out = append(out, fmt.Sprintf("交易金额不能超过 %s", MaxAmount.StringFixed(Scale)))
	}
	if !d.Equal(d.Truncate(Scale)) {
		out = append(out, fmt.Sprintf("交易金额最多两位小数: %s", d.String()))
	}
	return out
}

// Validate 校验金额，第一条违规作为错误消息，全部违规放在 Details
func Validate(amount decimal.NullDecimal) error {
	if v := Violations(amount); len(v) > 0 {
		return apperr.Validation(v...)
	}
	return nil
}

func ValidateAmount(amount decimal.Decimal) error {
	return Validate(decimal.NewNullDecimal(amount))
}

// Normalize 统一为两位精度，入库和比较前调用
func Normalize(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(Scale)
}
