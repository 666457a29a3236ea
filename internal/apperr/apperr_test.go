package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesByKind(t *testing.T) {
	err := New(KindInsufficientFunds, "账户 %s 余额不足", "0012345678")

	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.False(t, errors.Is(err, ErrLimitExceeded))
	assert.Equal(t, "账户 0012345678 余额不足", err.Error())

	wrapped := fmt.Errorf("转账失败: %w", err)
	assert.True(t, errors.Is(wrapped, ErrInsufficientFunds))
	assert.Equal(t, KindInsufficientFunds, KindOf(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConflict))
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", ErrLockTimeout)))
	assert.False(t, IsRetryable(ErrInsufficientFunds))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestValidation(t *testing.T) {
	err := Validation("金额必须大于0", "金额不能低于0.01")
	assert.Equal(t, "金额必须大于0", err.Error())
	assert.Len(t, err.Details, 2)
	assert.True(t, errors.Is(err, ErrValidation))

	assert.Equal(t, ErrValidation.Message, Validation().Message)
}

func TestStorage(t *testing.T) {
	assert.NoError(t, Storage(nil, "x"))

	raw := errors.New("connection reset")
	err := Storage(raw, "写入流水失败")
	assert.Equal(t, KindStorage, KindOf(err))
	assert.ErrorIs(t, err, raw)
	assert.Equal(t, "写入流水失败: connection reset", err.Error())

	// 已分类的错误保持原样
	assert.Same(t, ErrConflict, Storage(ErrConflict, "x"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "LIMIT_EXCEEDED", KindLimitExceeded.String())
	assert.Equal(t, "UNKNOWN", Kind(99).String())
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
