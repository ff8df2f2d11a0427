package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// 统一的 LLM 错误码，用于对齐 HTTP 状态、可重试性与降级策略。
type ErrorCode string

const (
	ErrProvider       ErrorCode = "LLM_PROVIDER_ERROR"  // 上游 5xx/解析失败，可重试
	ErrTimeout        ErrorCode = "LLM_TIMEOUT"         // 网络/超时类，可重试
	ErrRateLimited    ErrorCode = "LLM_RATE_LIMITED"    // 上游或本地限流，换 Provider
	ErrUnauthorized   ErrorCode = "LLM_UNAUTHORIZED"    // 密钥失效，需告警
	ErrQuotaExceeded  ErrorCode = "LLM_QUOTA_EXCEEDED"  // 额度/配额用尽
	ErrModelNotFound  ErrorCode = "LLM_MODEL_NOT_FOUND" // 模型不可用，降级默认模型
	ErrInvalidRequest ErrorCode = "LLM_INVALID_REQUEST" // 参数/格式错误
	ErrBudgetExceeded ErrorCode = "LLM_BUDGET_EXCEEDED" // 预算拦截，非 Provider 错误
)

// Error 是带 Provider 归属的统一错误类型。
// Retryable 表示同一 Provider 内是否值得退避重试；
// 非重试错误由 Fallback Manager 直接切换候选。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewProviderError 创建通用的可重试 Provider 错误。
func NewProviderError(provider, msg string, cause error) *Error {
	return &Error{Code: ErrProvider, Message: msg, Retryable: true, Provider: provider, Cause: cause}
}

// NewTimeoutError 创建网络/超时类错误（ErrProvider 的可重试子类）。
func NewTimeoutError(provider string, cause error) *Error {
	msg := "request timed out"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: ErrTimeout, Message: msg, HTTPStatus: http.StatusGatewayTimeout, Retryable: true, Provider: provider, Cause: cause}
}

// NewRateLimitError 创建限流错误。limiter 本地拦截与上游 429 共用一个码。
func NewRateLimitError(provider, msg string) *Error {
	return &Error{Code: ErrRateLimited, Message: msg, HTTPStatus: http.StatusTooManyRequests, Provider: provider}
}

// NewBudgetExceededError 创建预算错误。由 Adapter 在任何 Provider 被触达之前抛出。
func NewBudgetExceededError(reason string) *Error {
	return &Error{Code: ErrBudgetExceeded, Message: reason}
}

// codeOf 提取错误链上的 *Error 错误码，非 *Error 返回空。
func codeOf(err error) ErrorCode {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsRetryable 判断错误是否可在同一 Provider 内退避重试。
// 非 *Error 的裸错误（连接中断等）按可重试处理。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Retryable
	}
	return true
}

func IsRateLimited(err error) bool    { return codeOf(err) == ErrRateLimited }
func IsAuthError(err error) bool      { return codeOf(err) == ErrUnauthorized }
func IsQuotaExceeded(err error) bool  { return codeOf(err) == ErrQuotaExceeded }
func IsModelNotFound(err error) bool  { return codeOf(err) == ErrModelNotFound }
func IsBudgetExceeded(err error) bool { return codeOf(err) == ErrBudgetExceeded }
func IsTimeout(err error) bool        { return codeOf(err) == ErrTimeout }
