package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeBadRequest     ErrorCode = "BAD_REQUEST"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
	CodeUpstream       ErrorCode = "UPSTREAM_ERROR"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeConflict       ErrorCode = "CONFLICT"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus 返回错误码对应的 HTTP 状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeServiceUnavail:
		return http.StatusServiceUnavailable
	case CodeUpstream:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewBadRequest 创建请求参数错误
func NewBadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message}
}

// NewBadRequestf 创建带格式化消息的请求参数错误
func NewBadRequestf(format string, args ...any) *AppError {
	return &AppError{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound 创建未找到错误
func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewForbidden 创建禁止访问错误
func NewForbidden(message string) *AppError {
	return &AppError{Code: CodeForbidden, Message: message}
}

// NewRateLimited 创建限流错误
func NewRateLimited(message string) *AppError {
	return &AppError{Code: CodeRateLimited, Message: message}
}

// NewServiceUnavailable 创建服务不可用错误（熔断打开）
func NewServiceUnavailable(message string) *AppError {
	return &AppError{Code: CodeServiceUnavail, Message: message}
}

// NewUpstream 创建上游调用失败错误
func NewUpstream(message string, cause error) *AppError {
	return &AppError{Code: CodeUpstream, Message: message, Err: cause}
}

// NewTimeout 创建超时错误
func NewTimeout(message string) *AppError {
	return &AppError{Code: CodeTimeout, Message: message}
}

// NewConflict 创建冲突错误
func NewConflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// NewInternal 创建内部错误
func NewInternal(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// NewInternalWithCause 创建带原因的内部错误
func NewInternalWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

// CodeOf 返回错误的错误码；非 AppError 归为 INTERNAL_ERROR
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// StatusOf 返回错误对应的 HTTP 状态码
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsBadRequest 判断是否为请求参数错误
func IsBadRequest(err error) bool {
	return CodeOf(err) == CodeBadRequest
}

// IsRateLimited 判断是否为限流错误
func IsRateLimited(err error) bool {
	return CodeOf(err) == CodeRateLimited
}
