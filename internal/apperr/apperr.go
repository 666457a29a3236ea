// Package apperr 定义账务核心的错误分类。
//
// 上层（HTTP、批处理）只关心错误的 Kind：是否可重试、如何映射响应码。
// 具体的业务信息放在 Message / Details 中。
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAccountNotFound
	KindAccountIneligible
	KindInsufficientFunds
	KindLimitExceeded
	KindConflict
	KindLockTimeout
	KindDuplicateReference
	KindTransactionNotFound
	KindInvalidState
	KindStorage
)

var kindNames = map[Kind]string{
	KindUnknown:             "UNKNOWN",
	KindValidation:          "VALIDATION",
	KindAccountNotFound:     "ACCOUNT_NOT_FOUND",
	KindAccountIneligible:   "ACCOUNT_INELIGIBLE",
	KindInsufficientFunds:   "INSUFFICIENT_FUNDS",
	KindLimitExceeded:       "LIMIT_EXCEEDED",
	KindConflict:            "CONFLICT",
	KindLockTimeout:         "LOCK_TIMEOUT",
	KindDuplicateReference:  "DUPLICATE_REFERENCE",
	KindTransactionNotFound: "TRANSACTION_NOT_FOUND",
	KindInvalidState:        "INVALID_STATE",
	KindStorage:             "STORAGE_FAILURE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Error 账务错误
type Error struct {
	Kind    Kind
	Message string
	Details []string // 校验类错误会收集全部违规项
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按 Kind 比较，使 errors.Is(err, apperr.ErrInsufficientFunds) 对任意消息生效
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable 冲突和锁超时可以整体重试整个工作单元，其余错误不应重试
func (e *Error) Retryable() bool {
	return e.Kind == KindConflict || e.Kind == KindLockTimeout
}

// 用于 errors.Is 比较的哨兵值
var (
	ErrValidation          = &Error{Kind: KindValidation, Message: "参数校验失败"}
	ErrAccountNotFound     = &Error{Kind: KindAccountNotFound, Message: "账户不存在"}
	ErrAccountIneligible   = &Error{Kind: KindAccountIneligible, Message: "账户状态不允许交易"}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds, Message: "余额不足"}
	ErrLimitExceeded       = &Error{Kind: KindLimitExceeded, Message: "超出当日交易限额"}
	ErrConflict            = &Error{Kind: KindConflict, Message: "并发冲突，请重试"}
	ErrLockTimeout         = &Error{Kind: KindLockTimeout, Message: "系统繁忙，请稍后重试"}
	ErrDuplicateReference  = &Error{Kind: KindDuplicateReference, Message: "交易流水号重复"}
	ErrTransactionNotFound = &Error{Kind: KindTransactionNotFound, Message: "交易不存在"}
	ErrInvalidState        = &Error{Kind: KindInvalidState, Message: "交易状态不允许该操作"}
	ErrStorage             = &Error{Kind: KindStorage, Message: "系统内部错误"}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation 构造校验错误，details 的第一项作为主消息
func Validation(details ...string) *Error {
	e := &Error{Kind: KindValidation, Message: ErrValidation.Message, Details: details}
	if len(details) > 0 {
		e.Message = details[0]
	}
	return e
}

// KindOf 返回错误链中第一个 *Error 的 Kind
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Storage 把非分类错误包装为存储故障，已分类的错误原样返回
func Storage(err error, message string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(KindStorage, err, message)
}
