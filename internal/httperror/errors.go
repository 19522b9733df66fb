package httperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/park285/novelist-quota-go/internal/qerrors"
)

// ErrorCode 는 API 오류 코드다.
type ErrorCode string

const (
	// ErrorCodeInternal 는 내부 오류 코드다.
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
	// ErrorCodeValidation 는 검증 오류 코드다.
	ErrorCodeValidation ErrorCode = "VALIDATION_ERROR"
	// ErrorCodeUnauthorized 는 인증 오류 코드다.
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrorCodeHTTPRateLimit 는 요청 제한 오류 코드다.
	ErrorCodeHTTPRateLimit ErrorCode = "HTTP_RATE_LIMIT"
	// ErrorCodeInvalidInput 는 입력 오류 코드다.
	ErrorCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrorCodeMissingField 는 필드 누락 코드다.
	ErrorCodeMissingField ErrorCode = "MISSING_FIELD"
	// ErrorCodeUserNotFound 는 사용자 미존재 코드다.
	ErrorCodeUserNotFound ErrorCode = "USER_NOT_FOUND"
	// ErrorCodeUsageStateUnknown 는 사용량 판정 불능 코드다.
	ErrorCodeUsageStateUnknown ErrorCode = "USAGE_STATE_UNKNOWN"
	// ErrorCodeDuplicatePending 는 선행 중복 요청 미완료 코드다.
	ErrorCodeDuplicatePending ErrorCode = "DUPLICATE_PENDING"
	// ErrorCodeUnknownAction 는 관리자 액션 미존재 코드다.
	ErrorCodeUnknownAction ErrorCode = "UNKNOWN_ACTION"
	// ErrorCodeCache 는 캐시 스토어 오류 코드다.
	ErrorCodeCache ErrorCode = "CACHE_ERROR"
	// ErrorCodeDatabase 는 durable 저장소 오류 코드다.
	ErrorCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// ErrorResponse 는 API 오류 응답 본문이다.
type ErrorResponse struct {
	ErrorCode string         `json:"error_code"`
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	RequestID *string        `json:"request_id"`
	Details   map[string]any `json:"details"`
}

// Error 는 내부 표준 오류 타입이다.
type Error struct {
	Code    ErrorCode
	Status  int
	Type    string
	Message string
	Details map[string]any
}

// Error 는 오류 메시지를 반환한다.
func (e *Error) Error() string {
	return e.Message
}

// Response 는 오류를 HTTP 응답으로 변환한다.
func Response(err error, requestID string) (int, ErrorResponse) {
	apiErr := FromError(err)
	if apiErr == nil {
		apiErr = NewInternalError("unknown error")
	}

	var requestIDPtr *string
	if requestID != "" {
		requestIDPtr = &requestID
	}

	return apiErr.Status, ErrorResponse{
		ErrorCode: string(apiErr.Code),
		ErrorType: apiErr.Type,
		Message:   apiErr.Message,
		RequestID: requestIDPtr,
		Details:   apiErr.Details,
	}
}

// FromError 는 오류를 내부 오류 타입으로 변환한다.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, qerrors.ErrUserNotFound) {
		return NewUserNotFound()
	}

	if errors.Is(err, qerrors.ErrUsageStateUnknown) {
		return NewUsageStateUnknown()
	}

	if errors.Is(err, qerrors.ErrDedupPending) {
		return NewDuplicatePending()
	}

	if qerrors.IsCacheError(err) {
		return NewCacheError(err)
	}

	if qerrors.IsDatabaseError(err) {
		return NewDatabaseError(err)
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return NewValidationError(err)
	}

	return NewInternalError(err.Error())
}

// NewInternalError 는 내부 오류를 생성한다.
func NewInternalError(message string) *Error {
	return &Error{
		Code:    ErrorCodeInternal,
		Status:  http.StatusInternalServerError,
		Type:    "InternalError",
		Message: message,
		Details: nil,
	}
}

// NewValidationError 는 검증 오류를 생성한다.
func NewValidationError(err error) *Error {
	return &Error{
		Code:    ErrorCodeValidation,
		Status:  http.StatusUnprocessableEntity,
		Type:    "ValidationError",
		Message: "Input validation failed",
		Details: validationDetails(err),
	}
}

// NewMissingField 는 누락 필드 오류를 생성한다.
func NewMissingField(field string) *Error {
	return &Error{
		Code:    ErrorCodeMissingField,
		Status:  http.StatusBadRequest,
		Type:    "MissingFieldError",
		Message: fmt.Sprintf("Field '%s' required", field),
		Details: map[string]any{"field": field},
	}
}

// NewInvalidInput 는 입력 오류를 생성한다.
func NewInvalidInput(message string) *Error {
	return &Error{
		Code:    ErrorCodeInvalidInput,
		Status:  http.StatusBadRequest,
		Type:    "InvalidInputError",
		Message: message,
		Details: nil,
	}
}

// NewUnauthorized 는 인증 오류를 생성한다.
func NewUnauthorized(details map[string]any) *Error {
	return &Error{
		Code:    ErrorCodeUnauthorized,
		Status:  http.StatusUnauthorized,
		Type:    "UnauthorizedError",
		Message: "Invalid API key",
		Details: details,
	}
}

// NewRateLimitExceeded 는 요청 제한 오류를 생성한다.
func NewRateLimitExceeded(details map[string]any) *Error {
	return &Error{
		Code:    ErrorCodeHTTPRateLimit,
		Status:  http.StatusTooManyRequests,
		Type:    "HTTPRateLimitExceededError",
		Message: "Rate limit exceeded",
		Details: details,
	}
}

// NewUserNotFound 는 사용자 미존재 오류를 생성한다.
func NewUserNotFound() *Error {
	return &Error{
		Code:    ErrorCodeUserNotFound,
		Status:  http.StatusNotFound,
		Type:    "UserNotFoundError",
		Message: "User not found",
		Details: nil,
	}
}

// NewUsageStateUnknown 는 판정 불능 오류를 생성한다.
// 한도 초과와 구분되어야 하므로 별도 코드를 쓴다.
func NewUsageStateUnknown() *Error {
	return &Error{
		Code:    ErrorCodeUsageStateUnknown,
		Status:  http.StatusServiceUnavailable,
		Type:    "UsageStateUnknownError",
		Message: "Usage state unavailable",
		Details: nil,
	}
}

// NewDuplicatePending 는 선행 중복 요청 미완료 오류를 생성한다.
func NewDuplicatePending() *Error {
	return &Error{
		Code:    ErrorCodeDuplicatePending,
		Status:  http.StatusConflict,
		Type:    "DuplicatePendingError",
		Message: "Duplicate request still in progress",
		Details: nil,
	}
}

// NewUnknownAction 는 관리자 액션 미존재 오류를 생성한다.
func NewUnknownAction(action string) *Error {
	return &Error{
		Code:    ErrorCodeUnknownAction,
		Status:  http.StatusBadRequest,
		Type:    "UnknownActionError",
		Message: fmt.Sprintf("Unknown action '%s'", action),
		Details: map[string]any{"action": action},
	}
}

// NewCacheError 는 캐시 스토어 오류를 생성한다.
func NewCacheError(err error) *Error {
	return &Error{
		Code:    ErrorCodeCache,
		Status:  http.StatusServiceUnavailable,
		Type:    "CacheError",
		Message: err.Error(),
		Details: nil,
	}
}

// NewDatabaseError 는 durable 저장소 오류를 생성한다.
func NewDatabaseError(err error) *Error {
	return &Error{
		Code:    ErrorCodeDatabase,
		Status:  http.StatusServiceUnavailable,
		Type:    "DatabaseError",
		Message: err.Error(),
		Details: nil,
	}
}

// FieldError 는 필드 오류 상세 정보다.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value"`
}

func validationDetails(err error) map[string]any {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make([]FieldError, 0, len(validationErrors))
		for _, validationErr := range validationErrors {
			fields = append(fields, FieldError{
				Field:   validationErr.Field(),
				Message: validationErr.Error(),
				Value:   validationErr.Value(),
			})
		}
		return map[string]any{"errors": fields}
	}

	return map[string]any{
		"errors": []FieldError{
			{
				Field:   "body",
				Message: err.Error(),
				Value:   nil,
			},
		},
	}
}
