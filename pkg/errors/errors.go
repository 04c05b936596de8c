// Package errors 定义统一错误码
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK            Code = "OK"
	CodeUnknown       Code = "UNKNOWN"
	CodeInvalidParam  Code = "INVALID_PARAM"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeInternal      Code = "INTERNAL"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeTimeout       Code = "TIMEOUT"

	// 交易所账户
	CodeAccountNotFound     Code = "ACCOUNT_NOT_FOUND"
	CodeAccountExists       Code = "ACCOUNT_EXISTS"
	CodeAccountInactive     Code = "ACCOUNT_INACTIVE"
	CodeAccountBusy         Code = "ACCOUNT_BUSY"
	CodeCredentialsRequired Code = "CREDENTIALS_REQUIRED"

	// 订单与持仓
	CodeOrderNotFound      Code = "ORDER_NOT_FOUND"
	CodeOrderNotCancelable Code = "ORDER_NOT_CANCELABLE"

	// 交易所通信
	CodeExchangeUnsupported Code = "EXCHANGE_UNSUPPORTED"
	CodeExchangeUnavailable Code = "EXCHANGE_UNAVAILABLE"

	// 异步操作
	CodeOperationNotFound Code = "OPERATION_NOT_FOUND"
)

// Error 业务错误
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.cause
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装底层错误，保留业务错误码
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// CodeOf 提取错误码，非业务错误返回 CodeUnknown
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is 判断错误链中是否包含指定错误码
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// 预定义错误
var (
	ErrInvalidParam        = New(CodeInvalidParam, "invalid parameter")
	ErrAccountNotFound     = New(CodeAccountNotFound, "exchange account not found")
	ErrAccountExists       = New(CodeAccountExists, "An account already exists for that exchange")
	ErrAccountInactive     = New(CodeAccountInactive, "exchange account is not active")
	ErrAccountBusy         = New(CodeAccountBusy, "Already updating account")
	ErrCredentialsRequired = New(CodeCredentialsRequired, "API Key and Secret are required")
	ErrOrderNotFound       = New(CodeOrderNotFound, "order not found")
	ErrOrderNotCancelable  = New(CodeOrderNotCancelable, "Order can't be canceled")
	ErrExchangeUnsupported = New(CodeExchangeUnsupported, "not implemented for exchange")
	ErrExchangeUnavailable = New(CodeExchangeUnavailable, "Unable to connect to exchange")
)
