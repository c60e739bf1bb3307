// internal/api/error_codes.go
package api

import (
	apperrors "github.com/Corphon/SerialWriter/internal/errors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorUnauthorized  = "UNAUTHORIZED"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 项目与章节
	ErrorProjectNotFound = "PROJECT_NOT_FOUND"
	ErrorTaskNotFound    = "TASK_NOT_FOUND"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMProviderFailed     = "LLM_PROVIDER_FAILED"

	// 存储
	ErrorStorageFailed = "STORAGE_FAILED"
)

// errorCodeFor 应用错误类型到 API 错误代码
func errorCodeFor(err error) string {
	t, ok := apperrors.TypeOf(err)
	if !ok {
		return ErrorInternalError
	}
	switch t {
	case apperrors.ErrorTypeInvalidInput:
		return ErrorBadRequest
	case apperrors.ErrorTypeNotFound:
		return ErrorNotFound
	case apperrors.ErrorTypeConfiguration:
		return ErrorLLMServiceUnavailable
	case apperrors.ErrorTypeProvider:
		return ErrorLLMProviderFailed
	case apperrors.ErrorTypeStorage:
		return ErrorStorageFailed
	case apperrors.ErrorTypeConflict:
		return ErrorConflict
	case apperrors.ErrorTypeUnauthorized:
		return ErrorUnauthorized
	default:
		return ErrorInternalError
	}
}
